package config

type Config struct {
	BaseURL  string
	HttpPort int
	Db       struct {
		Dsn         string
		Automigrate bool
	}
	Jwt struct {
		SecretKey string
	}
	Notifications struct {
		Email string
	}
	Smtp struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
	Processor struct {
		BaseURL   string
		SecretKey string
	}
	Chat struct {
		ApiURL string
		Token  string
	}
	Intent struct {
		ApiURL string
	}
	FileUploader struct {
		CloudName string
		ApiKey    string
		ApiSecret string
	}
	Limits struct {
		TransferFee          float64
		MinTransaction       float64
		MaxSingleTransaction float64
		DailyTransferLimit   float64
		RateLimitPerMinute   int
		MaxPinAttempts       int
		LockoutMinutes       int
	}
	SessionTTLMinutes   int
	PollIntervalSeconds int
	RedisServer         string
	KafkaServers        string
}
