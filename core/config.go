package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// SecretProvider 抽象凭证 secret 的加解密
// 配置加载时对每个 secret 调用 Decrypt，默认 NoOp 明文透传
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// NoOpSecretProvider 默认的明文透传 SecretProvider
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

// CredentialSeed 配置面产出的一条凭证（secret pair + 展示名）
type CredentialSeed struct {
	SecretPrimary   string
	SecretSecondary string
	DisplayName     string
}

// Config 网关启动配置
type Config struct {
	Port        int
	Strategy    string
	UpstreamURL string
	MaxAttempts int
	Credentials []CredentialSeed
}

// 索引式来源的扫描上限（固定大小的槽位集合）
const maxIndexedCredentials = 32

// LoadConfig 从环境变量构建配置
// 凭证来源按结构化程度从高到低依次尝试，命中第一个结构有效的来源即止，
// 来源之间绝不做字段级合并
func LoadConfig(sp SecretProvider, logger *logrus.Logger) (*Config, error) {
	creds, source, err := loadCredentials(sp, logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded %d credential(s) from %s source", len(creds), source)

	cfg := &Config{
		Port:        8000,
		Strategy:    StrategyRoundRobin,
		UpstreamURL: os.Getenv("UPSTREAM_URL"),
		Credentials: creds,
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}

	if v := os.Getenv("POOL_STRATEGY"); v != "" {
		cfg.Strategy = v
	}

	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS %q", v)
		}
		cfg.MaxAttempts = n
	}

	return cfg, nil
}

// cookieEntry COOKIES_JSON 里的一条结构化凭证
type cookieEntry struct {
	Secure1PSID   string `json:"secure_1psid"`
	Secure1PSIDTS string `json:"secure_1psidts"`
	Name          string `json:"name"`
}

// loadCredentials 依次尝试三种来源：
//  1. COOKIES_JSON  结构化列表（最高优先）
//  2. COOKIE_<i>_PSID/_PSIDTS/_NAME  索引式三元组
//  3. SECURE_1PSID/SECURE_1PSIDTS  单对遗留格式
func loadCredentials(sp SecretProvider, logger *logrus.Logger) ([]CredentialSeed, string, error) {
	// 来源 1: 结构化 JSON 列表
	if raw := os.Getenv("COOKIES_JSON"); raw != "" {
		var entries []cookieEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			// 结构无效则降级到下一来源
			logger.Warnf("COOKIES_JSON is not valid JSON, trying next source: %v", err)
		} else if len(entries) > 0 {
			seeds := make([]CredentialSeed, 0, len(entries))
			for i, e := range entries {
				if e.Secure1PSID == "" {
					return nil, "", fmt.Errorf("COOKIES_JSON entry %d: missing secure_1psid", i)
				}
				name := e.Name
				if name == "" {
					name = fmt.Sprintf("Account-%d", i+1)
				}
				seed, err := decryptSeed(sp, e.Secure1PSID, e.Secure1PSIDTS, name)
				if err != nil {
					return nil, "", err
				}
				seeds = append(seeds, seed)
			}
			return seeds, "json", nil
		}
	}

	// 来源 2: 索引式三元组，遇到第一个空槽即停
	var seeds []CredentialSeed
	for i := 1; i <= maxIndexedCredentials; i++ {
		psid := os.Getenv(fmt.Sprintf("COOKIE_%d_PSID", i))
		if psid == "" {
			break
		}
		name := os.Getenv(fmt.Sprintf("COOKIE_%d_NAME", i))
		if name == "" {
			name = fmt.Sprintf("Account-%d", i)
		}
		seed, err := decryptSeed(sp, psid, os.Getenv(fmt.Sprintf("COOKIE_%d_PSIDTS", i)), name)
		if err != nil {
			return nil, "", err
		}
		seeds = append(seeds, seed)
	}
	if len(seeds) > 0 {
		return seeds, "indexed", nil
	}

	// 来源 3: 单对遗留格式
	if psid := os.Getenv("SECURE_1PSID"); psid != "" {
		seed, err := decryptSeed(sp, psid, os.Getenv("SECURE_1PSIDTS"), "Primary Account")
		if err != nil {
			return nil, "", err
		}
		return []CredentialSeed{seed}, "legacy", nil
	}

	return nil, "", fmt.Errorf("set SECURE_1PSID, COOKIE_1_PSID or COOKIES_JSON: %w", ErrNoCredentials)
}

func decryptSeed(sp SecretProvider, primary, secondary, name string) (CredentialSeed, error) {
	p, err := sp.Decrypt(primary)
	if err != nil {
		return CredentialSeed{}, fmt.Errorf("decrypt secret for %s: %w", name, err)
	}
	s, err := sp.Decrypt(secondary)
	if err != nil {
		return CredentialSeed{}, fmt.Errorf("decrypt secret for %s: %w", name, err)
	}
	return CredentialSeed{SecretPrimary: p, SecretSecondary: s, DisplayName: name}, nil
}
