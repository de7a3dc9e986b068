// Package auth implements the operator credential store and bearer
// token minting/verification backing the Operator REST surface (spec
// §4.6): login, profile management, and password reset over a
// bcrypt-hashed secret, with JWT bearers. Grounded on
// r3e-network-service_layer's gateway auth flow (JWT claims + bcrypt
// verification) and Altacee-dockation's gin-first request handling
// idiom.
package auth

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/types"
)

// Claims is the JWT payload minted for a logged-in operator.
type Claims struct {
	OperatorID string `json:"operator_id"`
	jwt.StandardClaims
}

// Service is the operator credential store.
type Service struct {
	store     storage.Store
	jwtSecret []byte
	tokenTTL  time.Duration
}

// New wires a Service over store; jwtSecret signs and verifies bearers.
func New(store storage.Store, jwtSecret []byte, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{store: store, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

// HashSecret bcrypt-hashes a plaintext secret for storage.
func HashSecret(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", ferrors.Wrap(ferrors.Internal, err, "hash secret")
	}
	return string(hash), nil
}

// Login verifies username/secret against the hashed store and mints a
// bearer token on success. Fails with Unauthorized on any mismatch.
func (s *Service) Login(username, secret string) (*types.Operator, string, error) {
	op, err := s.store.GetOperatorByUsername(username)
	if err != nil {
		return nil, "", ferrors.New(ferrors.Unauthorized, "invalid username or password")
	}
	if bcrypt.CompareHashAndPassword([]byte(op.SecretHash), []byte(secret)) != nil {
		return nil, "", ferrors.New(ferrors.Unauthorized, "invalid username or password")
	}
	token, err := s.mint(op.ID)
	if err != nil {
		return nil, "", err
	}
	return op, token, nil
}

// VerifyBearer validates tokenString and returns the owning operator.
// Fails with Unauthorized on an invalid, expired, or unknown-operator
// token.
func (s *Service) VerifyBearer(tokenString string) (*types.Operator, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ferrors.New(ferrors.Unauthorized, "unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ferrors.New(ferrors.Unauthorized, "invalid bearer token")
	}
	op, err := s.store.GetOperator(claims.OperatorID)
	if err != nil {
		return nil, ferrors.New(ferrors.Unauthorized, "unknown operator")
	}
	return op, nil
}

// ResetPassword verifies currentSecret and replaces the stored hash
// with newSecret's hash. Fails with Unauthorized if currentSecret is
// wrong, Validation if newSecret is empty.
func (s *Service) ResetPassword(operatorID, currentSecret, newSecret string) (*types.Operator, error) {
	if newSecret == "" {
		return nil, ferrors.New(ferrors.Validation, "new secret must not be empty")
	}
	op, err := s.store.GetOperator(operatorID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(op.SecretHash), []byte(currentSecret)) != nil {
		return nil, ferrors.New(ferrors.Unauthorized, "current secret is incorrect")
	}
	hash, err := HashSecret(newSecret)
	if err != nil {
		return nil, err
	}
	op.SecretHash = hash
	op.UpdatedAt = time.Now()
	if err := s.store.UpsertOperator(op); err != nil {
		return nil, err
	}
	return op, nil
}

// UpdateProfile partially updates username/email, leaving absent fields
// (empty string) unchanged; a field set to its existing value must not
// be treated as a change. Fails with Conflict on a username collision.
func (s *Service) UpdateProfile(operatorID, username, email string) (*types.Operator, error) {
	op, err := s.store.GetOperator(operatorID)
	if err != nil {
		return nil, err
	}
	changed := false
	if username != "" && username != op.Username {
		op.Username = username
		changed = true
	}
	if email != "" && email != op.Email {
		op.Email = email
		changed = true
	}
	if !changed {
		return op, nil
	}
	op.UpdatedAt = time.Now()
	if err := s.store.UpsertOperator(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Service) mint(operatorID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		OperatorID: operatorID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.tokenTTL).Unix(),
			Issuer:    "fleetd-conductor",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", ferrors.Wrap(ferrors.Internal, err, "sign bearer token")
	}
	return signed, nil
}
