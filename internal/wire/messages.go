package wire

import (
	"runtime"
	"time"

	"github.com/tidwall/sjson"
)

const (
	defaultIDEName           = "antigravity"
	defaultLocale            = "en-US"
	defaultIDEVersion        = "0"
	defaultExtensionName     = "google.antigravity"
	defaultDeviceFingerprint = "opencode-standalone"
	defaultTriggerID         = "daemon"
	defaultTokenType         = "Bearer"
)

// Metadata identifies the calling client. The same value is written to the
// server's stdin during launch and embedded in GetUserStatus requests.
type Metadata struct {
	IDEName           string
	APIKey            string
	Locale            string
	OS                string
	IDEVersion        string
	ExtensionName     string
	ExtensionPath     string
	DeviceFingerprint string
	TriggerID         string
}

// DefaultMetadata returns the metadata used by the standalone client with the
// given access token as API key.
func DefaultMetadata(apiKey string) Metadata {
	return Metadata{
		IDEName:           defaultIDEName,
		APIKey:            apiKey,
		Locale:            defaultLocale,
		OS:                HostOS(),
		IDEVersion:        defaultIDEVersion,
		ExtensionName:     defaultExtensionName,
		DeviceFingerprint: defaultDeviceFingerprint,
		TriggerID:         defaultTriggerID,
	}
}

// HostOS returns the os name the server expects for the current platform.
func HostOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

// Message returns the field list of the Metadata message.
func (m Metadata) Message() Message {
	return Message{
		String(1, m.IDEName),
		String(3, m.APIKey),
		String(4, m.Locale),
		String(5, m.OS),
		String(7, m.IDEVersion),
		String(12, m.ExtensionName),
		String(17, m.ExtensionPath),
		String(24, m.DeviceFingerprint),
		String(25, m.TriggerID),
	}
}

// Marshal encodes the Metadata message.
func (m Metadata) Marshal() []byte {
	return m.Message().Marshal()
}

// TokenInfo is the OAuthTokenInfo message pushed to a launched server.
type TokenInfo struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Expiry       time.Time
}

// Message returns the field list of the OAuthTokenInfo message. The token type
// defaults to Bearer and a zero expiry is left out.
func (t TokenInfo) Message() Message {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = defaultTokenType
	}
	msg := Message{
		String(1, t.AccessToken),
		String(2, tokenType),
		String(3, t.RefreshToken),
	}
	if !t.Expiry.IsZero() && t.Expiry.Unix() > 0 {
		msg = append(msg, Nested(4, Timestamp(t.Expiry)))
	}
	return msg
}

// Timestamp returns a Timestamp message carrying whole seconds.
func Timestamp(ts time.Time) Message {
	secs := ts.Unix()
	if secs < 0 {
		secs = 0
	}
	return Message{Varint(1, uint64(secs))}
}

// SaveOAuthTokenInfoRequest encodes {1: token_info}.
func SaveOAuthTokenInfoRequest(info TokenInfo) []byte {
	return Message{Nested(1, info.Message())}.Marshal()
}

// GetUserStatusRequest encodes {1: metadata}.
func GetUserStatusRequest(md Metadata) []byte {
	return Message{Nested(1, md.Message())}.Marshal()
}

// GetUserStatusJSON renders the JSON form of GetUserStatusRequest. Empty
// metadata fields are left out; an empty Metadata yields {"metadata":{}}.
func GetUserStatusJSON(md Metadata) ([]byte, error) {
	out, err := sjson.SetRawBytes([]byte(`{}`), "metadata", []byte(`{}`))
	if err != nil {
		return nil, err
	}
	fields := []struct {
		path  string
		value string
	}{
		{"metadata.ideName", md.IDEName},
		{"metadata.apiKey", md.APIKey},
		{"metadata.locale", md.Locale},
		{"metadata.os", md.OS},
		{"metadata.ideVersion", md.IDEVersion},
		{"metadata.extensionName", md.ExtensionName},
		{"metadata.extensionPath", md.ExtensionPath},
		{"metadata.deviceFingerprint", md.DeviceFingerprint},
		{"metadata.triggerId", md.TriggerID},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		out, err = sjson.SetBytes(out, f.path, f.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
