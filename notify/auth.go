package notify

import (
	"errors"
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ChannelAuth struct {
	// bearer token presented on the websocket handshake. may be empty
	ByJwt      string
	InstanceId Id
}

func (self *ChannelAuth) Header() http.Header {
	header := http.Header{}
	if self == nil {
		return header
	}
	if self.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	}
	if (self.InstanceId != Id{}) {
		header.Set("X-Instance-Id", self.InstanceId.String())
	}
	return header
}

// the `client_id` claim. the token is not verified here. the server verifies it on handshake
func (self *ChannelAuth) ClientId() (string, error) {
	if self == nil || self.ByJwt == "" {
		return "", errors.New("No jwt")
	}
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if clientId, ok := claims["client_id"].(string); ok && clientId != "" {
		return clientId, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("Jwt has no client_id")
}

// tag used in log lines
func (self *ChannelAuth) logTag() string {
	if clientId, err := self.ClientId(); err == nil {
		return clientId
	}
	if self != nil && (self.InstanceId != Id{}) {
		return self.InstanceId.String()
	}
	return "anonymous"
}
