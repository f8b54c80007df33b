package core

import (
	"math/rand"
)

// 策略名称常量
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
	StrategyLeastUsed  = "least_used"
)

// Strategy 定义凭证选择策略接口
// Select 在池锁内被调用：records 是注册顺序的完整序列，
// eligible 判断单个凭证是否可选，cursor 是池共享的轮询游标
type Strategy interface {
	// Name 返回策略名称，如 "round_robin", "least_used"
	Name() string

	// Select 执行选择逻辑，调用方保证至少存在一个可选凭证
	Select(records []*CredentialRecord, eligible func(*CredentialRecord) bool, cursor *int) *CredentialRecord
}

// RoundRobinStrategy 轮询策略
// 游标在完整注册顺序上推进并跳过不可选项，跨调用保持位置
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(records []*CredentialRecord, eligible func(*CredentialRecord) bool, cursor *int) *CredentialRecord {
	n := len(records)
	for i := 0; i < n; i++ {
		idx := (*cursor + i) % n
		if eligible(records[idx]) {
			*cursor = (idx + 1) % n
			return records[idx]
		}
	}
	return nil
}

// RandomStrategy 在可选凭证中均匀随机
type RandomStrategy struct{}

func (s *RandomStrategy) Name() string { return StrategyRandom }

func (s *RandomStrategy) Select(records []*CredentialRecord, eligible func(*CredentialRecord) bool, _ *int) *CredentialRecord {
	candidates := make([]*CredentialRecord, 0, len(records))
	for _, r := range records {
		if eligible(r) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// LeastUsedStrategy 最久未用优先
// last_used 最小者胜出（从未使用排最前）；并列时取 error_count 更小者，
// 再并列按注册顺序
type LeastUsedStrategy struct{}

func (s *LeastUsedStrategy) Name() string { return StrategyLeastUsed }

func (s *LeastUsedStrategy) Select(records []*CredentialRecord, eligible func(*CredentialRecord) bool, _ *int) *CredentialRecord {
	var best *CredentialRecord
	for _, r := range records {
		if !eligible(r) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.lastUsed.Before(best.lastUsed) {
			best = r
		} else if r.lastUsed.Equal(best.lastUsed) && r.errorCount < best.errorCount {
			best = r
		}
		// 注册顺序遍历保证了最后的并列平局偏向先注册者
	}
	return best
}
