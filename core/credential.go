package core

import (
	"fmt"
	"sync"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
)

// MaxErrorCount 连续失败达到该次数后凭证被标记为不可用
const MaxErrorCount = 3

// CredentialRecord 一个上游身份的可变状态
// 所有可变字段只允许 CredentialPool 在持锁状态下修改
type CredentialRecord struct {
	ID              string
	SecretPrimary   string // __Secure-1PSID
	SecretSecondary string // __Secure-1PSIDTS
	DisplayName     string

	isAvailable bool
	errorCount  int
	lastUsed    time.Time
}

// Credential 选择结果的不可变视图，交给调度器/会话适配器使用
type Credential struct {
	ID              string
	DisplayName     string
	SecretPrimary   string
	SecretSecondary string
}

// CredentialPool 凭证池
// 持有注册顺序的凭证序列、选择策略和轮询游标；是凭证状态的唯一所有者
type CredentialPool struct {
	logger *logrus.Logger

	mu         sync.Mutex
	records    []*CredentialRecord
	index      map[string]*CredentialRecord
	pairs      map[string]struct{}
	cursor     int
	strategy   Strategy
	strategies map[string]Strategy
}

// NewCredentialPool 构造函数强制要求依赖注入
// 凭证列表为空是启动期致命错误（ConfigError），不会留到请求期
func NewCredentialPool(seeds []CredentialSeed, strategyName string, logger *logrus.Logger) (*CredentialPool, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("credential pool: %w", ErrNoCredentials)
	}

	p := &CredentialPool{
		logger:     logger,
		index:      make(map[string]*CredentialRecord),
		pairs:      make(map[string]struct{}),
		strategies: make(map[string]Strategy),
	}

	// 注册默认策略
	p.RegisterStrategy(&RoundRobinStrategy{})
	p.RegisterStrategy(&RandomStrategy{})
	p.RegisterStrategy(&LeastUsedStrategy{})

	strategy, ok := p.strategies[strategyName]
	if !ok {
		if strategyName != "" {
			logger.Warnf("Unknown pool strategy %q, falling back to round_robin", strategyName)
		}
		strategy = p.strategies[StrategyRoundRobin]
	}
	p.strategy = strategy

	for _, seed := range seeds {
		if _, err := p.Register(seed.SecretPrimary, seed.SecretSecondary, seed.DisplayName); err != nil {
			return nil, err
		}
	}

	logger.Infof("Credential pool initialized: %d credentials, strategy=%s", len(p.records), strategy.Name())
	return p, nil
}

// RegisterStrategy 注册选择策略
func (p *CredentialPool) RegisterStrategy(s Strategy) {
	p.strategies[s.Name()] = s
}

// Register 追加一个新凭证，返回分配的 ID
// 相同 secret pair 重复注册返回 ErrDuplicateCredential
func (p *CredentialPool) Register(primary, secondary, displayName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pairKey := primary + "\x00" + secondary
	if _, exists := p.pairs[pairKey]; exists {
		return "", fmt.Errorf("register %q: %w", displayName, ErrDuplicateCredential)
	}

	id := fmt.Sprintf("cred-%d", len(p.records)+1)
	if displayName == "" {
		displayName = id
	}

	rec := &CredentialRecord{
		ID:              id,
		SecretPrimary:   primary,
		SecretSecondary: secondary,
		DisplayName:     displayName,
		isAvailable:     true,
	}

	p.records = append(p.records, rec)
	p.index[id] = rec
	p.pairs[pairKey] = struct{}{}

	p.logger.Infof("Registered credential %s (%s): %s", id, displayName, models.MaskSecret(primary))
	return id, nil
}

// Select 按当前策略选出一个可用且未被本次请求排除的凭证
// 没有可选凭证时返回 ErrExhausted，游标保持不动
func (p *CredentialPool) Select(exclude map[string]struct{}) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := func(r *CredentialRecord) bool {
		if !r.isAvailable {
			return false
		}
		_, excluded := exclude[r.ID]
		return !excluded
	}

	any := false
	for _, r := range p.records {
		if eligible(r) {
			any = true
			break
		}
	}
	if !any {
		return Credential{}, ErrExhausted
	}

	rec := p.strategy.Select(p.records, eligible, &p.cursor)
	if rec == nil {
		// 策略实现不应在存在可选凭证时返回空
		return Credential{}, ErrExhausted
	}

	rec.lastUsed = time.Now()

	return Credential{
		ID:              rec.ID,
		DisplayName:     rec.DisplayName,
		SecretPrimary:   rec.SecretPrimary,
		SecretSecondary: rec.SecretSecondary,
	}, nil
}

// ReportSuccess 一次成功发送：清零错误计数并恢复可用
func (p *CredentialPool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.index[id]
	if !exists {
		return
	}
	rec.errorCount = 0
	rec.isAvailable = true
}

// ReportFailure 一次失败：错误计数 +1，达到上限后标记不可用
// 未知 ID 是 no-op（池是 append-only 的，防御性处理）
func (p *CredentialPool) ReportFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.index[id]
	if !exists {
		return
	}

	rec.errorCount++
	if rec.errorCount >= MaxErrorCount {
		rec.isAvailable = false
		p.logger.Warnf("💀 Credential %s (%s) disabled after %d consecutive errors", rec.ID, rec.DisplayName, rec.errorCount)
	}
}

// Status 返回一致性快照（单次持锁拷贝，不是实时视图）
func (p *CredentialPool) Status() models.PoolStatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := models.PoolStatusResponse{
		TotalCredentials: len(p.records),
		Credentials:      make([]models.CredentialStatus, 0, len(p.records)),
	}
	for _, r := range p.records {
		if r.isAvailable {
			resp.AvailableCredentials++
		}
		resp.Credentials = append(resp.Credentials, models.CredentialStatus{
			ID:          r.ID,
			DisplayName: r.DisplayName,
			IsAvailable: r.isAvailable,
			ErrorCount:  r.errorCount,
			LastUsed:    r.lastUsed,
		})
	}
	return resp
}

// Len 注册的凭证总数
func (p *CredentialPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// AvailableCount 当前可用凭证数
func (p *CredentialPool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.records {
		if r.isAvailable {
			n++
		}
	}
	return n
}
