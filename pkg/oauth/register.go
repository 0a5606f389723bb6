package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientCredentials is what a dynamic client registration (RFC 7591) hands
// back: a client_id and, for confidential clients, a secret. Public clients
// (this one, a loopback PKCE flow) typically receive only the id.
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register performs dynamic client registration against metadata's
// registration_endpoint (§4.I step 3). Callers should skip this when the
// endpoint is absent and fall back to a pre-provisioned client_id.
func Register(ctx context.Context, client *http.Client, metadata *Metadata, clientName string, redirectURI string) (*ClientCredentials, error) {
	if metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("oauth: authorization server does not support dynamic client registration")
	}

	body, err := json.Marshal(registrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none", // public client, PKCE-secured
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: registering client: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: registration endpoint returned http %d: %s", resp.StatusCode, string(data))
	}

	var creds ClientCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("oauth: decoding registration response: %w", err)
	}
	if creds.ClientID == "" {
		return nil, fmt.Errorf("oauth: registration response carried no client_id")
	}
	return &creds, nil
}
