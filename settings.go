package sftpclient

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Settings is the flat option surface read from a config file and the
// environment. Timeouts accept integer milliseconds or Go durations.
type Settings struct {
	KeyMode               bool          `mapstructure:"key_mode"`
	Protocol              string        `mapstructure:"protocol" validate:"omitempty,oneof=sftp"`
	Port                  int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	StrictHostKeyChecking string        `mapstructure:"strict_host_key_checking" validate:"omitempty,oneof=yes no ask"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	SessionConnectTimeout time.Duration `mapstructure:"session_connect_timeout" validate:"gte=0"`
	ChannelConnectTimeout time.Duration `mapstructure:"channel_connect_timeout" validate:"gte=0"`
	Host                  string        `mapstructure:"host"`
	Username              string        `mapstructure:"username"`
	Password              string        `mapstructure:"password"`
	PrivateKey            string        `mapstructure:"private_key"`
	Passphrase            string        `mapstructure:"passphrase"`
	Root                  string        `mapstructure:"root"`
	EnsurePolicy          string        `mapstructure:"ensure_policy" validate:"omitempty,oneof=strict best_effort"`
	LocalTempDir          string        `mapstructure:"local_temp_dir"`
	LogLevel              string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// LoadSettings reads sftpclient.yaml from the working directory and the given
// paths, then overlays SFTPCLIENT_* environment variables. A missing file is
// not an error.
func LoadSettings(paths ...string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("sftpclient")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	return readSettings(v)
}

// LoadSettingsFile reads settings from an explicit file, overlaid with the
// environment. The file must exist.
func LoadSettingsFile(file string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(file)
	return readSettings(v)
}

func readSettings(v *viper.Viper) (*Settings, error) {
	setDefaults(v)

	v.SetEnvPrefix("SFTPCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("settings: read file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings, decodeHook()); err != nil {
		return nil, fmt.Errorf("settings: unmarshal: %w", err)
	}

	settings.normalize()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	return &settings, nil
}

func (s *Settings) normalize() {
	s.Protocol = strings.ToLower(strings.TrimSpace(s.Protocol))
	s.StrictHostKeyChecking = strings.ToLower(strings.TrimSpace(s.StrictHostKeyChecking))
	s.EnsurePolicy = strings.ToLower(strings.TrimSpace(s.EnsurePolicy))
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if name := fld.Tag.Get("mapstructure"); name != "" && name != "-" {
				return name
			}
			return fld.Name
		})
	})
	return validate
}

// Validate checks enumerated and ranged options. Required connection fields
// are left to Config.Validate.
func (s Settings) Validate() error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}

	parts := make([]string, len(ve))
	for i, fe := range ve {
		if fe.Param() != "" {
			parts[i] = fe.Field() + " failed on " + fe.Tag() + "=" + fe.Param()
		} else {
			parts[i] = fe.Field() + " failed on " + fe.Tag()
		}
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(parts, "; "))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("key_mode", false)
	v.SetDefault("protocol", DefaultProtocol)
	v.SetDefault("port", 0)
	v.SetDefault("strict_host_key_checking", string(HostKeyNo))
	v.SetDefault("known_hosts_file", "")
	v.SetDefault("session_connect_timeout", 15000)
	v.SetDefault("channel_connect_timeout", 15000)
	v.SetDefault("host", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("private_key", "")
	v.SetDefault("passphrase", "")
	v.SetDefault("root", "")
	v.SetDefault("ensure_policy", string(EnsureStrict))
	v.SetDefault("local_temp_dir", "")
	v.SetDefault("log_level", "info")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			millisecondsHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}
}

// millisecondsHookFunc decodes bare numbers, or strings holding only digits,
// into a time.Duration of that many milliseconds.
func millisecondsHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Millisecond, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
			return data, nil
		}
		return data, nil
	}
}

// Config converts loaded settings into a Config. KeyMode selects a PrivateKey
// credential; otherwise Password is used. The Logger is left for the caller.
func (s Settings) Config() Config {
	var cred Credential
	if s.KeyMode {
		cred = PrivateKey{Path: s.PrivateKey, Passphrase: s.Passphrase}
	} else {
		cred = Password{Secret: s.Password}
	}

	return Config{
		Host:           s.Host,
		Port:           s.Port,
		User:           s.Username,
		Protocol:       s.Protocol,
		HostKeyPolicy:  HostKeyPolicy(s.StrictHostKeyChecking),
		KnownHostsFile: s.KnownHostsFile,
		ConnectTimeout: s.SessionConnectTimeout,
		ChannelTimeout: s.ChannelConnectTimeout,
		Root:           s.Root,
		Credential:     cred,
		EnsurePolicy:   EnsurePolicy(s.EnsurePolicy),
		LocalTempDir:   s.LocalTempDir,
	}
}
