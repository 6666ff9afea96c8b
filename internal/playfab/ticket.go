package playfab

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTicket = errors.New("playfab: invalid ticket")

// PlayerIDFromTicket extracts the caller's player id from a session
// ticket or an entity token.
//
// Session tickets start with "<playerId>-". Entity tokens are base64 text
// whose third '|' field is JSON with an "ec" path "title_player_account/<title>/<id>".
func PlayerIDFromTicket(ticket string) (string, error) {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTicket)
	}
	if i := strings.IndexByte(ticket, '-'); i >= 0 {
		if i == 0 {
			return "", fmt.Errorf("%w: empty player id", ErrInvalidTicket)
		}
		return ticket[:i], nil
	}

	decoded, err := decodeBase64(ticket)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	parts := strings.Split(string(decoded), "|")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: expected at least 3 fields, got %d", ErrInvalidTicket, len(parts))
	}
	var claims struct {
		EC string `json:"ec"`
	}
	if err := json.Unmarshal([]byte(parts[2]), &claims); err != nil {
		return "", fmt.Errorf("%w: claims: %v", ErrInvalidTicket, err)
	}
	segs := strings.Split(claims.EC, "/")
	if len(segs) < 3 || segs[2] == "" {
		return "", fmt.Errorf("%w: entity chain %q", ErrInvalidTicket, claims.EC)
	}
	return segs[2], nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("not base64")
}
