package outbox

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// newCorrelationID builds appID:base64(sha256(body)):uuidv7.
func newCorrelationID(appID string, body []byte) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", errors.WithStack(err)
	}

	payloadHash := sha256.Sum256(body)

	const separator = ":"
	return strings.Join(
		[]string{
			appID,
			base64.URLEncoding.EncodeToString(payloadHash[:]),
			uid.String(),
		},
		separator,
	), nil
}
