package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/copyforge/pipeline/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Token type claims
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenTypeStream  = "stream"
)

// Redis key prefixes. Denylist and lineage state live in Redis so that
// revocation is visible to every service instance and survives restarts.
const (
	denyKeyPrefix    = "auth:deny:"
	lineageKeyPrefix = "auth:fam:"
	epochKeyPrefix   = "auth:epoch:"
	ticketKeyPrefix  = "auth:ticket:"
)

// rotateScript performs the single-use refresh check-and-rotate atomically.
// Concurrent refreshes of the same token serialize here: exactly one swap
// succeeds, every other caller observes a reuse and the lineage is revoked.
//
// KEYS[1] = lineage hash, ARGV[1] = presented jti, ARGV[2] = new jti,
// ARGV[3] = lineage TTL seconds.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return 'revoked'
end
local cur = redis.call('HGET', KEYS[1], 'jti')
if cur ~= ARGV[1] then
  redis.call('HSET', KEYS[1], 'revoked', '1')
  return 'reused'
end
redis.call('HSET', KEYS[1], 'jti', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'gen', 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 'ok'
`)

// Claims are the JWT claims carried by every token the authority signs.
type Claims struct {
	Tier       string `json:"tier,omitempty"`
	TokenType  string `json:"typ"`
	Family     string `json:"fam,omitempty"`
	Generation int64  `json:"gen,omitempty"`
	JobID      string `json:"job,omitempty"`
	jwt.RegisteredClaims
}

// AccountSource resolves account identifiers at issue time.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Authority issues, verifies, rotates and revokes credential pairs.
type Authority struct {
	rdb        *redis.Client
	accounts   AccountSource
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	ticketTTL  time.Duration

	// NowFunc returns the current time. It can be overridden in tests.
	NowFunc func() time.Time
}

// Options configures an Authority.
type Options struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	StreamTicketTTL time.Duration
}

// NewAuthority creates a token authority backed by the given Redis client.
func NewAuthority(rdb *redis.Client, accounts AccountSource, opts Options) (*Authority, error) {
	if opts.Secret == "" {
		return nil, errors.New("auth: JWT secret is required")
	}

	a := &Authority{
		rdb:        rdb,
		accounts:   accounts,
		secret:     []byte(opts.Secret),
		accessTTL:  opts.AccessTokenTTL,
		refreshTTL: opts.RefreshTokenTTL,
		ticketTTL:  opts.StreamTicketTTL,
		NowFunc:    time.Now,
	}

	if a.accessTTL == 0 {
		a.accessTTL = 15 * time.Minute
	}
	if a.refreshTTL == 0 {
		a.refreshTTL = 7 * 24 * time.Hour
	}
	if a.ticketTTL == 0 {
		a.ticketTTL = time.Minute
	}

	return a, nil
}

// Issue creates a fresh credential pair and records the refresh token as the
// head of a new lineage.
func (a *Authority) Issue(ctx context.Context, accountID string) (*models.CredentialPair, error) {
	account, err := a.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	family := uuid.New().String()
	return a.issuePair(ctx, account, family, 1)
}

func (a *Authority) issuePair(ctx context.Context, account *models.Account, family string, gen int64) (*models.CredentialPair, error) {
	now := a.NowFunc()
	refreshJTI := uuid.New().String()

	access, accessExp, err := a.sign(&Claims{
		Tier:      account.Tier,
		TokenType: tokenTypeAccess,
		Family:    family,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	refresh, refreshExp, err := a.sign(&Claims{
		TokenType:  tokenTypeRefresh,
		Family:     family,
		Generation: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ID:        refreshJTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Record the lineage head. The hash ages out with the refresh window.
	lineageKey := lineageKeyPrefix + family
	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, lineageKey, "account", account.ID, "jti", refreshJTI, "gen", gen)
	pipe.Expire(ctx, lineageKey, a.refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record lineage: %w", err)
	}

	return &models.CredentialPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, expiry, denylist and revocation state of an
// access token. It is side-effect-free.
func (a *Authority) Verify(ctx context.Context, accessToken string) (*models.AccountIdentity, error) {
	claims, err := a.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, models.ErrTokenInvalid
	}

	if err := a.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}

	return &models.AccountIdentity{
		AccountID: claims.Subject,
		Tier:      claims.Tier,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
	}, nil
}

// Refresh rotates a refresh token. On a valid unused token it atomically
// marks it consumed and issues a new pair in the same lineage. Presenting a
// token that has already been rotated revokes the whole lineage and returns
// ErrTokenReused.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (*models.CredentialPair, error) {
	claims, err := a.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.Family == "" {
		return nil, models.ErrTokenInvalid
	}

	if err := a.checkEpoch(ctx, claims); err != nil {
		return nil, err
	}

	account, err := a.accounts.GetAccount(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	newJTI := uuid.New().String()
	lineageKey := lineageKeyPrefix + claims.Family
	res, err := rotateScript.Run(ctx, a.rdb,
		[]string{lineageKey},
		claims.ID, newJTI, int(a.refreshTTL.Seconds()),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch res {
	case "ok":
	case "reused":
		// Replay of an already-rotated token: a security event. The
		// lineage is now revoked; deny the presented token id too.
		a.denyToken(ctx, claims)
		return nil, models.ErrTokenReused
	case "revoked":
		return nil, models.ErrTokenRevoked
	default: // lineage missing (aged out or never existed)
		return nil, models.ErrTokenInvalid
	}

	// The new refresh token keeps the lineage and bumps the generation. The
	// script already swapped the head to newJTI; sign a token matching it.
	return a.issueRotated(account, claims.Family, claims.Generation+1, newJTI)
}

func (a *Authority) issueRotated(account *models.Account, family string, gen int64, refreshJTI string) (*models.CredentialPair, error) {
	now := a.NowFunc()

	access, accessExp, err := a.sign(&Claims{
		Tier:      account.Tier,
		TokenType: tokenTypeAccess,
		Family:    family,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	refresh, refreshExp, err := a.sign(&Claims{
		TokenType:  tokenTypeRefresh,
		Family:     family,
		Generation: gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ID:        refreshJTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	return &models.CredentialPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// RevokeToken adds the refresh token's id to the denylist and marks its
// lineage revoked. Used on logout.
func (a *Authority) RevokeToken(ctx context.Context, refreshToken string) error {
	claims, err := a.parse(refreshToken)
	if err != nil {
		if errors.Is(err, models.ErrTokenExpired) {
			return nil // nothing left to revoke
		}
		return err
	}
	if claims.TokenType != tokenTypeRefresh {
		return models.ErrTokenInvalid
	}

	if claims.Family != "" {
		if err := a.rdb.HSet(ctx, lineageKeyPrefix+claims.Family, "revoked", "1").Err(); err != nil {
			return fmt.Errorf("failed to revoke lineage: %w", err)
		}
	}
	a.denyToken(ctx, claims)
	return nil
}

// RevokeAccount invalidates every token issued to the account before now,
// by moving the account's revocation epoch. Used on detected compromise.
func (a *Authority) RevokeAccount(ctx context.Context, accountID string) error {
	now := a.NowFunc()
	key := epochKeyPrefix + accountID
	if err := a.rdb.Set(ctx, key, now.Unix(), a.refreshTTL).Err(); err != nil {
		return fmt.Errorf("failed to set revocation epoch: %w", err)
	}
	return nil
}

// StreamTicket issues a short-lived, single-use credential scoped to one
// job's delivery channel. It replaces putting the access token in the
// WebSocket URL.
func (a *Authority) StreamTicket(ctx context.Context, accountID, jobID string) (string, error) {
	now := a.NowFunc()
	ticket, _, err := a.sign(&Claims{
		TokenType: tokenTypeStream,
		JobID:     jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ticketTTL)),
		},
	})
	return ticket, err
}

// ConsumeTicket validates a stream ticket and marks it used. A second
// consume of the same ticket fails.
func (a *Authority) ConsumeTicket(ctx context.Context, ticket string) (accountID, jobID string, err error) {
	claims, err := a.parse(ticket)
	if err != nil {
		return "", "", err
	}
	if claims.TokenType != tokenTypeStream || claims.JobID == "" {
		return "", "", models.ErrTokenInvalid
	}

	ttl := claims.ExpiresAt.Sub(a.NowFunc())
	if ttl <= 0 {
		return "", "", models.ErrTokenExpired
	}

	ok, err := a.rdb.SetNX(ctx, ticketKeyPrefix+claims.ID, "1", ttl).Result()
	if err != nil {
		return "", "", fmt.Errorf("failed to consume ticket: %w", err)
	}
	if !ok {
		return "", "", models.ErrTokenReused
	}

	return claims.Subject, claims.JobID, nil
}

func (a *Authority) sign(claims *Claims) (string, time.Time, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (a *Authority) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.NowFunc() }))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.ErrTokenExpired
		}
		return nil, models.ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, models.ErrTokenInvalid
	}

	return claims, nil
}

func (a *Authority) checkRevocation(ctx context.Context, claims *Claims) error {
	if err := a.checkEpoch(ctx, claims); err != nil {
		return err
	}

	denied, err := a.rdb.Exists(ctx, denyKeyPrefix+claims.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check denylist: %w", err)
	}
	if denied > 0 {
		return models.ErrTokenRevoked
	}

	// Access tokens share their lineage's fate: replay detection revokes
	// every token in the family.
	if claims.Family != "" {
		revoked, err := a.rdb.HGet(ctx, lineageKeyPrefix+claims.Family, "revoked").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check lineage: %w", err)
		}
		if revoked == "1" {
			return models.ErrTokenRevoked
		}
	}

	return nil
}

func (a *Authority) checkEpoch(ctx context.Context, claims *Claims) error {
	val, err := a.rdb.Get(ctx, epochKeyPrefix+claims.Subject).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check revocation epoch: %w", err)
	}

	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return models.ErrTokenInvalid
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Unix() < epoch {
		return models.ErrTokenRevoked
	}
	return nil
}

// denyToken denylists a token id for its remaining validity.
func (a *Authority) denyToken(ctx context.Context, claims *Claims) {
	if claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Sub(a.NowFunc())
	if ttl <= 0 {
		return
	}
	a.rdb.Set(ctx, denyKeyPrefix+claims.ID, "1", ttl)
}
