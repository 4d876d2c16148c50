package file

import (
	"context"
	"io"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

type FileUploader struct {
	cloud_name string
	api_key    string
	api_secret string
}

func New(cloud_name, api_key, api_secret string) *FileUploader {
	return &FileUploader{
		cloud_name: cloud_name,
		api_key:    api_key,
		api_secret: api_secret,
	}
}

func (f *FileUploader) UploadFile(ctx context.Context, fileName string) (string, error) {
	cld, err := cloudinary.NewFromParams(f.cloud_name, f.api_key, f.api_secret)
	if err != nil {
		return "", err
	}

	uploadResult, err := cld.Upload.Upload(ctx, fileName, uploader.UploadParams{})
	if err != nil {
		return "", err
	}

	return uploadResult.SecureURL, nil
}

// UploadBuffer uploads in-memory content under folder/name.
func (f *FileUploader) UploadBuffer(ctx context.Context, content io.Reader, folder, name string) (string, error) {
	cld, err := cloudinary.NewFromParams(f.cloud_name, f.api_key, f.api_secret)
	if err != nil {
		return "", err
	}

	uploadResult, err := cld.Upload.Upload(ctx, content, uploader.UploadParams{
		Folder:       folder,
		PublicID:     name,
		ResourceType: "raw",
	})
	if err != nil {
		return "", err
	}

	return uploadResult.SecureURL, nil
}
