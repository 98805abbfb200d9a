package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
)

// resolvedKeys is the result of resolve_keys(dapp_url) (spec §4.1 step 2,
// §4.4 "Key resolver and DID cache").
type resolvedKeys struct {
	DappPublicKey  []byte // key-agreement (X25519) pubkey, raw bytes
	DappIdentityDid string // did:key:z... built from the first authentication entry
}

type didResolver struct {
	cache  *xsync.MapOf[string, store.DidDocument]
	client *http.Client
}

func newDidResolver() *didResolver {
	return &didResolver{
		cache:  xsync.NewMapOf[string, store.DidDocument](),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// resolve implements resolve_keys: cache lookup keyed by dapp_url, else GET
// <dapp_url>/.well-known/did.json and extract the first key_agreement and
// authentication entries.
func (r *didResolver) resolve(ctx context.Context, dappURL string) (resolvedKeys, error) {
	if doc, ok := r.cache.Load(dappURL); ok {
		return extractKeys(doc)
	}
	doc, err := r.fetch(ctx, dappURL)
	if chk.W(err) {
		return resolvedKeys{}, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	r.cache.Store(dappURL, doc)
	return extractKeys(doc)
}

func (r *didResolver) fetch(ctx context.Context, dappURL string) (store.DidDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dappURL+"/.well-known/did.json", nil)
	if chk.E(err) {
		return store.DidDocument{}, err
	}
	resp, err := r.client.Do(req)
	if chk.W(err) {
		return store.DidDocument{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return store.DidDocument{}, fmt.Errorf("status %d fetching %s", resp.StatusCode, dappURL)
	}
	var doc store.DidDocument
	if err = json.NewDecoder(resp.Body).Decode(&doc); chk.E(err) {
		return store.DidDocument{}, err
	}
	return doc, nil
}

func extractKeys(doc store.DidDocument) (resolvedKeys, error) {
	if len(doc.KeyAgreement) == 0 || len(doc.Authentication) == 0 {
		return resolvedKeys{}, fmt.Errorf("%w: did document missing key_agreement/authentication", ErrKeysUnavailable)
	}
	kaID := doc.KeyAgreement[0]
	authID := doc.Authentication[0]

	var kaMethod, authMethod *store.VerificationMethod
	for i := range doc.VerificationMethod {
		vm := &doc.VerificationMethod[i]
		if vm.ID == kaID {
			kaMethod = vm
		}
		if vm.ID == authID {
			authMethod = vm
		}
	}
	if kaMethod == nil || authMethod == nil {
		return resolvedKeys{}, fmt.Errorf("%w: verification method not found", ErrKeysUnavailable)
	}
	kaBytes, err := decodeBase64URLJWKX(kaMethod.PublicKeyJWK.X)
	if chk.E(err) {
		return resolvedKeys{}, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	authBytes, err := decodeBase64URLJWKX(authMethod.PublicKeyJWK.X)
	if chk.E(err) {
		return resolvedKeys{}, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	return resolvedKeys{
		DappPublicKey:   kaBytes,
		DappIdentityDid: ids.DidKey(ed25519.PublicKey(authBytes)),
	}, nil
}

func decodeBase64URLJWKX(x string) ([]byte, error) {
	x = strings.TrimRight(x, "=")
	return base64.RawURLEncoding.DecodeString(x)
}
