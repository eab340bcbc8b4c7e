package registry

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/codelane/maestro/pkg/database"
)

// keyBits is the RSA key size for agent identities.
const keyBits = 2048

// identityKeys holds a freshly generated agent key pair. The private key is
// handed to the agent exactly once and never persisted.
type identityKeys struct {
	PublicPEM  string
	PrivatePEM string
}

// generateIdentityKeys creates the agent's RSA-2048 key pair, PEM-encoded.
func generateIdentityKeys() (identityKeys, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return identityKeys{}, fmt.Errorf("failed to generate key pair: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return identityKeys{}, fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return identityKeys{PublicPEM: string(pubPEM), PrivatePEM: string(privPEM)}, nil
}

// agentName formats the human name {type}-{phase}-{NNN}.
func agentName(agentType, phase string, seq int) string {
	return fmt.Sprintf("%s-%s-%03d", agentType, phase, seq)
}

// nextNameSequence returns the next 3-digit sequence within (type, phase).
// Runs inside the registration transaction so concurrent registrations of
// the same (type, phase) serialize on the count.
func nextNameSequence(ctx context.Context, q database.Querier, agentType, phase string) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM agents WHERE agent_type = $1 AND phase = $2`,
		agentType, phase,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents for naming: %w", err)
	}
	return n + 1, nil
}
