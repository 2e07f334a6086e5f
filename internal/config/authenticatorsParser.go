package config

import (
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/haukened/biogate/internal/domain"
)

// StringToAuthenticators is a DecodeHookFunc that converts a string such as
// "biometric_strong|device_credential" to domain.Authenticators.
func StringToAuthenticators() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(domain.Authenticators(0)) {
			return data, nil
		}
		return domain.ParseAuthenticators(strings.TrimSpace(data.(string)))
	}
}
