package daemon

import (
	"errors"
	"time"

	"github.com/sherry-sync/deamon/internal/config"
)

// ErrNoDefaultUser is returned by docsTokenSource when the auth envelope has
// no usable default user (section 4.H step 1: a default pointing nowhere is
// blanked by the controller, not silently substituted).
var ErrNoDefaultUser = errors.New("daemon: no default user credentials available")

// docsTokenSource supplies the bearer token for REST calls from the auth
// envelope's default user. The sherry API is bound to one daemon identity
// per credentials file; per-watcher-user token selection would require
// threading a user id through every transport call and is not needed by the
// single-default-account deployment model this engine targets.
type docsTokenSource struct {
	docs *config.Documents
}

func newDocsTokenSource(docs *config.Documents) *docsTokenSource {
	return &docsTokenSource{docs: docs}
}

func (t *docsTokenSource) Token() (string, error) {
	_, auth := t.docs.Snapshot()

	cred, ok := auth.Records[auth.Default]
	if !ok || cred.Expired {
		return "", ErrNoDefaultUser
	}

	return cred.AccessToken, nil
}

// docsTokenLister supplies every non-expired access token for the push
// channel's authorization header, one per bound user (section 4.F).
type docsTokenLister struct {
	docs *config.Documents
}

func newDocsTokenLister(docs *config.Documents) *docsTokenLister {
	return &docsTokenLister{docs: docs}
}

func (t *docsTokenLister) NonExpiredTokens() []string {
	_, auth := t.docs.Snapshot()

	now := time.Now()

	var out []string

	for _, cred := range auth.Records {
		if cred.Expired {
			continue
		}

		if time.Unix(cred.ExpiresIn, 0).Before(now) {
			continue
		}

		out = append(out, cred.AccessToken)
	}

	return out
}
