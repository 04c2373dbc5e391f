package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

var ErrMissingCode = errors.New("authorization code is required")

// TokenExchanger is the part of the upstream client the OAuth flow needs.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, code string) (*upstream.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*upstream.Token, error)
}

type Status struct {
	Authorized bool       `json:"authorized"`
	Source     string     `json:"source"`
	ShopID     string     `json:"shop_id,omitempty"`
	ShopName   string     `json:"shop_name,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Expired    bool       `json:"expired"`
}

// Service is also an upstream.TokenSource: signed requests use the active shop token and
// fall back to the configured one.
type Service interface {
	AccessToken(ctx context.Context) (string, error)
	AuthorizeURL(state string) string
	HandleCallback(ctx context.Context, code string) (*ShopAuthorization, error)
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
	Status(ctx context.Context) (Status, error)
}

type service struct {
	repo      Repository
	exchanger TokenExchanger
	cfg       config.UpstreamConfig
	now       func() time.Time
}

func NewService(repo Repository, exchanger TokenExchanger, cfg config.UpstreamConfig) Service {
	return &service{repo: repo, exchanger: exchanger, cfg: cfg, now: time.Now}
}

func (s *service) AccessToken(ctx context.Context) (string, error) {
	a, err := s.repo.Active(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveAuthorization) {
			return s.cfg.AccessToken, nil
		}
		return "", fmt.Errorf("auth: failed to load active authorization: %w", err)
	}
	if a.Expired(s.now()) {
		log.Warn().Str("shop_id", a.ShopID).Msg("auth: stored access token expired, using configured token")
		return s.cfg.AccessToken, nil
	}
	return a.AccessToken, nil
}

func (s *service) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", s.cfg.AppID)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("state", state)
	return s.cfg.AuthURL + "?" + q.Encode()
}

func (s *service) HandleCallback(ctx context.Context, code string) (*ShopAuthorization, error) {
	if code == "" {
		return nil, ErrMissingCode
	}
	tok, err := s.exchanger.ExchangeToken(ctx, code)
	if err != nil {
		log.Error().Err(err).Msg("auth: code exchange failed")
		return nil, fmt.Errorf("auth: failed to exchange code: %w", err)
	}

	a := s.fromToken(tok, "")
	if err := s.repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("auth: failed to save authorization: %w", err)
	}
	log.Info().Str("shop_id", a.ShopID).Str("shop_name", a.ShopName).Msg("auth: shop authorized")
	return a, nil
}

func (s *service) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	a, err := s.repo.Active(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveAuthorization) {
			return false, nil
		}
		return false, fmt.Errorf("auth: failed to load active authorization: %w", err)
	}
	if a.ExpiresAt == nil || a.ExpiresAt.Sub(s.now()) > window {
		return false, nil
	}
	if a.RefreshToken == "" {
		log.Warn().Str("shop_id", a.ShopID).Msg("auth: token expiring but no refresh token stored")
		return false, nil
	}

	tok, err := s.exchanger.RefreshToken(ctx, a.RefreshToken)
	if err != nil {
		log.Error().Err(err).Str("shop_id", a.ShopID).Msg("auth: token refresh failed")
		return false, fmt.Errorf("auth: failed to refresh token: %w", err)
	}

	next := s.fromToken(tok, a.RefreshToken)
	if next.ShopID == "" {
		next.ShopID = a.ShopID
		next.ShopName = a.ShopName
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return false, fmt.Errorf("auth: failed to save refreshed authorization: %w", err)
	}
	log.Info().Str("shop_id", next.ShopID).Msg("auth: access token refreshed")
	return true, nil
}

func (s *service) Status(ctx context.Context) (Status, error) {
	a, err := s.repo.Active(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveAuthorization) {
			if s.cfg.AccessToken != "" {
				return Status{Authorized: true, Source: "config"}, nil
			}
			return Status{Source: "none"}, nil
		}
		return Status{}, fmt.Errorf("auth: failed to load active authorization: %w", err)
	}
	expired := a.Expired(s.now())
	return Status{
		Authorized: !expired,
		Source:     "oauth",
		ShopID:     a.ShopID,
		ShopName:   a.ShopName,
		ExpiresAt:  a.ExpiresAt,
		Expired:    expired,
	}, nil
}

func (s *service) fromToken(tok *upstream.Token, previousRefresh string) *ShopAuthorization {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	a := &ShopAuthorization{
		ShopID:       tok.OwnerID,
		ShopName:     tok.OwnerName,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
	}
	if tok.ExpiresIn > 0 {
		exp := tok.ExpiresAt(s.now())
		a.ExpiresAt = &exp
	}
	return a
}
