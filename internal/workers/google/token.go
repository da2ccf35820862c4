// -----------------------------------------------------------------------
// Google Indexing API auth - RS256 JWT-bearer exchange from a decrypted
// service-account key file
// -----------------------------------------------------------------------

package google

import (
	"context"
	"fmt"

	"github.com/ternarybob/sitesync/internal/models"
	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
)

// indexingScope authorizes urlNotifications:publish calls.
const indexingScope = "https://www.googleapis.com/auth/indexing"

// tokenSource builds a caching OAuth2 token source from service-account
// JSON. The source signs an RS256 JWT assertion (iss = client_email,
// scope = indexing, exp = +1h) and exchanges it at the token endpoint for a
// bearer token. tokenURL overrides the endpoint read from the key file.
func tokenSource(ctx context.Context, serviceAccountJSON []byte, tokenURL string) (oauth2.TokenSource, error) {
	cfg, err := googleauth.JWTConfigFromJSON(serviceAccountJSON, indexingScope)
	if err != nil {
		return nil, models.FatalJob(fmt.Errorf("%w: %v", models.ErrInvalidCredential, err))
	}
	if tokenURL != "" {
		cfg.TokenURL = tokenURL
	}
	return cfg.TokenSource(ctx), nil
}
