package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/edgegate/edgegate-core/pkg/authn"

// Verifier validates access tokens: signature against the cached public
// keys, then expiry. Only RS256 is accepted; restricting the algorithm
// set closes the alg-substitution class of attacks.
type Verifier struct {
	keys   *KeyCache
	tracer trace.Tracer

	// now is replaceable for expiry tests.
	now func() time.Time
}

// NewVerifier creates a Verifier over the given key cache.
func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{
		keys:   keys,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// sigParser checks signatures only; expiry is the Verify step's job so
// signature and lifetime failures stay distinguishable.
var sigParser = jwt.NewParser(
	jwt.WithValidMethods([]string{"RS256"}),
	jwt.WithoutClaimsValidation(),
)

// VerifySignature reports whether rawToken's signature verifies against
// key. A structurally malformed token is an [egerr.CodeInvalidToken]
// error; a well-formed token that fails cryptographic verification is
// (false, nil).
func (v *Verifier) VerifySignature(rawToken string, key *rsa.PublicKey) (bool, error) {
	_, err := sigParser.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return false, nil
	}
	return false, classifyError(err)
}

// ExtractClaims parses rawToken's claims without verifying the signature
// or expiry. Callers must have verified the signature first; the one
// exception is diagnostic logging of rejected tokens.
func (v *Verifier) ExtractClaims(rawToken string) (*AccessTokenClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, classifyError(err)
	}
	mc, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, egerr.InvalidToken("authn: token claims have unexpected type")
	}
	return claimsFromMap(mc)
}

// Verify fully validates rawToken: it resolves the signing key by the
// token's kid header, checks the signature, extracts the claims, and
// checks expiry. Error codes returned:
//   - [egerr.CodeInvalidToken]: malformed token, missing kid, bad signature
//   - [egerr.CodeKeyNotFound]: kid unknown even after a bundle refresh
//   - [egerr.CodeTokenExpired]: signature valid but token expired
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*AccessTokenClaims, error) {
	ctx, span := v.tracer.Start(ctx, "authn.Verify")
	defer span.End()

	claims, err := v.verify(ctx, rawToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("auth.tenant_id", claims.TenantID),
		attribute.String("auth.subject", claims.Subject),
	)
	span.SetStatus(codes.Ok, "")
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, rawToken string) (*AccessTokenClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, classifyError(err)
	}

	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, egerr.InvalidToken("authn: token header is missing the kid field")
	}

	pub, err := v.keys.Get(ctx, kid)
	if err != nil {
		return nil, err
	}
	rsaKey, err := pub.RSAPublicKey()
	if err != nil {
		return nil, egerr.Wrap(err, egerr.CodeKeyNotFound,
			"authn: cached key material is unusable")
	}

	valid, err := v.VerifySignature(rawToken, rsaKey)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, egerr.InvalidToken("authn: token signature verification failed")
	}

	claims, err := v.ExtractClaims(rawToken)
	if err != nil {
		return nil, err
	}

	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(v.now()) {
		return nil, egerr.TokenExpired("authn: token has expired")
	}
	return claims, nil
}

// classifyError converts a JWT library error to an appropriate
// *egerr.Error. Errors that already carry a code pass through.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := egerr.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return egerr.Wrap(err, egerr.CodeTokenExpired, "authn: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return egerr.Wrap(err, egerr.CodeInvalidToken, "authn: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return egerr.Wrap(err, egerr.CodeInvalidToken, "authn: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return egerr.Wrap(err, egerr.CodeInvalidToken, "authn: token is unverifiable")
	default:
		return egerr.Wrap(err, egerr.CodeInvalidToken, "authn: token validation failed")
	}
}
