package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/EY-Engage/realtime-core/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity 令牌里携带的身份声明
type Identity struct {
	UserID     string   `json:"sub"`
	Roles      []string `json:"roles"`
	Department string   `json:"department"`
	IsActive   bool     `json:"is_active"`
}

func Generate(opts Options, id Identity) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub":        id.UserID,
		"iat":        now.Unix(),
		"nbf":        now.Unix(),
		"exp":        exp.Unix(),
		"department": id.Department,
		"is_active":  id.IsActive,
	}
	if len(id.Roles) > 0 {
		claims["roles"] = id.Roles
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验并取出身份；过期与非法分开报码
func Verify(opts Options, token string) (*Identity, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errs.ErrTokenExpired.WithDetail(err.Error())
		}
		return nil, errs.ErrTokenInvalid.WithDetail(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenInvalid.WithDetail("claims type mismatch")
	}

	id := &Identity{}
	if v, ok := claims["sub"].(string); ok {
		id.UserID = v
	}
	if id.UserID == "" {
		return nil, errs.ErrTokenInvalid.WithDetail("missing sub")
	}
	if v, ok := claims["department"].(string); ok {
		id.Department = v
	}
	if v, ok := claims["is_active"].(bool); ok {
		id.IsActive = v
	}
	if arr, ok := claims["roles"].([]any); ok {
		for _, r := range arr {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	}
	return id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
