// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	Telephony TelephonyConfig `mapstructure:"telephony" validate:"required"`

	// collaborator endpoints, both optional
	AgentDirectoryHost string `mapstructure:"agent_directory_host"`
	JournalHost        string `mapstructure:"journal_host"`
}

// TelephonyConfig selects and parameterizes the provider adapter.
type TelephonyConfig struct {
	Provider          string            `mapstructure:"provider" validate:"required,oneof=plivo tata"`
	Credentials       CredentialsConfig `mapstructure:"credentials"`
	WebhookBaseURL    string            `mapstructure:"webhook_base_url" validate:"required,url"`
	DefaultFromNumber string            `mapstructure:"default_from_number"`
	Defaults          AgentDefaults     `mapstructure:"defaults"`
	SystemPrompt      string            `mapstructure:"system_prompt"`
	RecordCalls       bool              `mapstructure:"record_calls"`
	RecordingsDir     string            `mapstructure:"recordings_dir"`
}

// CredentialsConfig is the HTTP-Basic pair for provider REST; required for
// plivo, unused for tata.
type CredentialsConfig struct {
	AuthID    string `mapstructure:"auth_id"`
	AuthToken string `mapstructure:"auth_token"`
}

// AgentDefaults names the STT/LLM/TTS backends used when the agent
// directory has no match for the dialed number.
type AgentDefaults struct {
	STT string `mapstructure:"stt"`
	LLM string `mapstructure:"llm"`
	TTS string `mapstructure:"tts"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "telephony-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9099)
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("AGENT_DIRECTORY_HOST", "")
	v.SetDefault("JOURNAL_HOST", "")

	v.SetDefault("TELEPHONY__PROVIDER", "plivo")
	v.SetDefault("TELEPHONY__WEBHOOK_BASE_URL", "http://localhost:9099")
	v.SetDefault("TELEPHONY__DEFAULT_FROM_NUMBER", "")
	v.SetDefault("TELEPHONY__SYSTEM_PROMPT", "You are a helpful voice assistant. Keep replies short and conversational.")
	v.SetDefault("TELEPHONY__RECORD_CALLS", false)
	v.SetDefault("TELEPHONY__RECORDINGS_DIR", "recordings")

	v.SetDefault("TELEPHONY__CREDENTIALS__AUTH_ID", "")
	v.SetDefault("TELEPHONY__CREDENTIALS__AUTH_TOKEN", "")

	v.SetDefault("TELEPHONY__DEFAULTS__STT", "deepgram")
	v.SetDefault("TELEPHONY__DEFAULTS__LLM", "openai")
	v.SetDefault("TELEPHONY__DEFAULTS__TTS", "elevenlabs")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
