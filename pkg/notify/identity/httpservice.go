package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"lukechampine.com/frand"

	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

type heldKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// HTTPService is the default Service adapter, talking to the keyserver over
// net/http (spec §6: "Keyserver HTTP: POST /identity (register), GET
// /identity?publicKey=<base58> (lookup)"). Identity keys are held in an
// in-process xsync.MapOf keyed by account, mirroring the teacher's
// concurrent-map-per-collaborator idiom (pkg/protocol/ws.Client.Subscriptions).
type HTTPService struct {
	keyserverURL string
	client       *http.Client
	keys         *xsync.MapOf[string, heldKey]
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService constructs an adapter against keyserverURL (spec §6's
// canonical default is "https://keys.walletconnect.com").
func NewHTTPService(keyserverURL string) *HTTPService {
	return &HTTPService{
		keyserverURL: keyserverURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		keys:         xsync.NewMapOf[string, heldKey](),
	}
}

func (s *HTTPService) PrepareRegistration(
	ctx context.Context, account ids.Account, domain string, allApps bool,
) (payload CACAOPayload, messageText string, err error) {
	pub, priv, err := ed25519.GenerateKey(frand.Reader)
	if chk.E(err) {
		return payload, "", err
	}
	s.keys.Store(account.String(), heldKey{pub: pub, priv: priv})

	statement := "I further authorize this app to send me notifications for " + domain + "."
	if allApps {
		statement = "I further authorize this app to send me notifications for any app."
	}
	nonce := make([]byte, 16)
	if _, err = frand.Read(nonce); chk.E(err) {
		return payload, "", err
	}
	payload = CACAOPayload{
		Domain:    domain,
		Iss:       account.DidPKH(),
		Statement: statement,
		Aud:       "https://" + domain,
		Version:   "1",
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
		IssuedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	messageText = fmt.Sprintf(
		"%s wants you to sign in with your account:\n%s\n\n%s\n\nURI: %s\nVersion: %s\nNonce: %s\nIssued At: %s",
		domain, account.String(), payload.Statement, payload.Aud, payload.Version, payload.Nonce, payload.IssuedAt,
	)
	return payload, messageText, nil
}

type registerRequest struct {
	CACAOPayload CACAOPayload `json:"cacaoPayload"`
	Signature    string       `json:"signature"`
	IdentityKey  string       `json:"identityKey"`
}

func (s *HTTPService) RegisterIdentity(
	ctx context.Context, account ids.Account, payload CACAOPayload, signature string,
) (identityPub ed25519.PublicKey, err error) {
	held, ok := s.keys.Load(account.String())
	if !ok {
		return nil, fmt.Errorf("identity: no prepared registration for %s", account)
	}

	body, err := json.Marshal(registerRequest{
		CACAOPayload: payload, Signature: signature, IdentityKey: ids.DidKey(held.pub),
	})
	if chk.E(err) {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.keyserverURL+"/identity", bytes.NewReader(body),
	)
	if chk.E(err) {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if chk.E(err) {
		return nil, fmt.Errorf("identity: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("identity: register: status %d: %s", resp.StatusCode, b)
	}
	return held.pub, nil
}

func (s *HTTPService) GenerateIDAuth(
	ctx context.Context, account ids.Account, claims jwt.Claims,
) (token string, err error) {
	held, ok := s.keys.Load(account.String())
	if !ok {
		return "", fmt.Errorf("identity: no identity key for %s", account)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if token, err = tok.SignedString(held.priv); chk.E(err) {
		return "", err
	}
	return token, nil
}

func (s *HTTPService) GetIdentity(ctx context.Context, account ids.Account) (ed25519.PublicKey, error) {
	held, ok := s.keys.Load(account.String())
	if !ok {
		return nil, fmt.Errorf("identity: no identity key for %s", account)
	}
	return held.pub, nil
}

func (s *HTTPService) HasIdentity(ctx context.Context, account ids.Account) bool {
	_, ok := s.keys.Load(account.String())
	return ok
}

func (s *HTTPService) UnregisterIdentity(ctx context.Context, account ids.Account) error {
	held, ok := s.keys.Load(account.String())
	if !ok {
		return nil
	}
	did := ids.DidKey(held.pub)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, s.keyserverURL+"/identity?publicKey="+did, nil,
	)
	if chk.E(err) {
		return err
	}
	resp, err := s.client.Do(req)
	if chk.W(err) {
		s.keys.Delete(account.String())
		return nil
	}
	defer resp.Body.Close()
	s.keys.Delete(account.String())
	return nil
}

func (s *HTTPService) IsRegistered(ctx context.Context, account ids.Account) bool {
	held, ok := s.keys.Load(account.String())
	if !ok {
		return false
	}
	did := ids.DidKey(held.pub)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, s.keyserverURL+"/identity?publicKey="+did, nil,
	)
	if chk.E(err) {
		return false
	}
	resp, err := s.client.Do(req)
	if chk.W(err) {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.D.F("identity: keyserver reports %s not registered (status %d)", did, resp.StatusCode)
		return false
	}
	return true
}
