// Package credential は新規アカウント用のメールアドレスとパスワードを生成する。
package credential

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/makeemnow/internal/model"
)

const (
	// DefaultDomain は生成するメールアドレスのドメイン。
	DefaultDomain = "gmail.com"

	// PasswordLength は生成するパスワードの長さ。
	PasswordLength = 8

	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// LatestEmailFinder は直近に作成されたプロフィールのメールアドレスを返す。
type LatestEmailFinder interface {
	LatestEmail(ctx context.Context) (string, error)
}

// Generator は連番のメールアドレスとランダムなパスワードを生成する。
// 連番は直近の1行だけを見て決めるため、同時に呼ばれると同じ値を返し得る。
type Generator struct {
	finder  LatestEmailFinder
	domain  string
	pattern *regexp.Regexp
	rand    io.Reader
	logger  *slog.Logger
}

// NewGenerator はGeneratorを生成する。domainが空の場合はDefaultDomainを使う。
func NewGenerator(finder LatestEmailFinder, domain string, logger *slog.Logger) *Generator {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = DefaultDomain
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		finder:  finder,
		domain:  domain,
		pattern: emailPattern(domain),
		rand:    rand.Reader,
		logger:  logger,
	}
}

// Next は次のメールアドレスとパスワードを生成する。
// 直近のメールアドレスの取得に失敗した場合はログに残し、連番001から始める。
func (g *Generator) Next(ctx context.Context) (model.Credentials, error) {
	latest, err := g.finder.LatestEmail(ctx)
	if err != nil {
		g.logger.Error("failed to fetch latest email", slog.String("error", err.Error()))
		latest = ""
	}

	password, err := RandomPassword(g.rand, PasswordLength)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to generate password: %w", err)
	}

	return model.Credentials{
		Email:    nextEmail(g.pattern, latest, g.domain),
		Password: password,
	}, nil
}

// NextEmail はlatestの連番に1を足したメールアドレスを返す。
// latestが "user<数字>@<domain>" の形式でなければ user001@<domain> を返す。
func NextEmail(latest, domain string) string {
	return nextEmail(emailPattern(domain), latest, domain)
}

func nextEmail(pattern *regexp.Regexp, latest, domain string) string {
	next := 1
	if m := pattern.FindStringSubmatch(latest); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("user%03d@%s", next, domain)
}

func emailPattern(domain string) *regexp.Regexp {
	return regexp.MustCompile(`user(\d+)@` + regexp.QuoteMeta(domain))
}

// RandomPassword は英数字62文字からlength文字のパスワードを生成する。
// 偏りが出ないよう、マスク後に範囲外となったバイトは捨てる。
func RandomPassword(r io.Reader, length int) (string, error) {
	const mask = 63 // 62文字を覆う最小の2^n-1
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)

	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			idx := int(b & mask)
			if idx >= len(passwordAlphabet) {
				continue
			}
			out = append(out, passwordAlphabet[idx])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
