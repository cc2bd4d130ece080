package rabbitmq

import (
	"fmt"
	"net/url"
)

// BuildURL returns broker with login and password replacing any credentials in
// the URL. Empty login keeps the URL's own credentials.
func BuildURL(broker, login, password string) (string, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("%w: broker %q: %v", ErrInvalidConfiguration, broker, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("%w: broker %q must use the amqp or amqps scheme", ErrInvalidConfiguration, broker)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: broker %q has no host", ErrInvalidConfiguration, broker)
	}
	if login != "" {
		u.User = url.UserPassword(login, password)
	}
	return u.String(), nil
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
