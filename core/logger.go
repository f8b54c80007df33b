package core

import (
	"sync"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncRequestLogger 异步请求日志记录器
// 业务路径只投递到缓冲队列，后台 worker 批量落库并聚合凭证统计
type AsyncRequestLogger struct {
	db        *gorm.DB
	logChan   chan *models.RequestLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewAsyncRequestLogger 创建新的异步日志记录器
func NewAsyncRequestLogger(db *gorm.DB, logger *logrus.Logger) *AsyncRequestLogger {
	l := &AsyncRequestLogger{
		db:        db,
		logChan:   make(chan *models.RequestLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交日志到队列
func (l *AsyncRequestLogger) Log(log *models.RequestLog) {
	select {
	case l.logChan <- log:
		// Success
	default:
		// 队列满了，丢弃日志以防止阻塞业务
		l.logger.Warn("Log channel full, dropping request log")
	}
}

// startWorker 启动后台写入 Worker
func (l *AsyncRequestLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

// workerLoop 核心循环
func (l *AsyncRequestLogger) workerLoop() {
	var batch []*models.RequestLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case log := <-l.logChan:
			batch = append(batch, log)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil // Reset
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前刷新剩余日志
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

// flush 批量写入数据库并更新凭证统计
func (l *AsyncRequestLogger) flush(logs []*models.RequestLog) {
	if len(logs) == 0 {
		return
	}

	l.logger.Debugf("[Logger] Flushing %d logs to DB...", len(logs))

	// 1. 批量插入日志
	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Logger] Failed to flush logs: %v", err)
	}

	// 2. 严格清理: 只保留最新的 1000 条，数据库不膨胀
	go func() {
		var count int64
		l.db.Model(&models.RequestLog{}).Count(&count)
		if count > 1000 {
			var pivotID uint
			l.db.Model(&models.RequestLog{}).Select("id").Order("id desc").Offset(1000).Limit(1).Scan(&pivotID)
			if pivotID > 0 {
				l.db.Where("id <= ?", pivotID).Delete(&models.RequestLog{})
			}
		}
	}()

	// 3. 按凭证聚合统计增量
	type statDelta struct {
		Success      int
		Error        int
		TotalLatency float64
		RequestCount int
	}
	statsMap := make(map[string]*statDelta)

	for _, log := range logs {
		if log.CredentialID == "" {
			continue
		}
		delta, exists := statsMap[log.CredentialID]
		if !exists {
			delta = &statDelta{}
			statsMap[log.CredentialID] = delta
		}
		delta.RequestCount++
		if log.StatusCode >= 200 && log.StatusCode < 400 {
			delta.Success++
		} else {
			delta.Error++
		}
		delta.TotalLatency += float64(log.Duration)
	}

	// 4. 执行更新 (Robust Upsert)
	for credID, delta := range statsMap {
		var stat models.CredentialStats
		err := l.db.Where("credential_id = ?", credID).First(&stat).Error

		if err == nil {
			stat.Success += delta.Success
			stat.Error += delta.Error
			stat.TotalLatency += delta.TotalLatency
			stat.RequestCount += delta.RequestCount
			stat.TotalRequests += int64(delta.RequestCount)
			l.db.Save(&stat)
		} else {
			newStat := models.CredentialStats{
				CredentialID:  credID,
				Success:       delta.Success,
				Error:         delta.Error,
				TotalLatency:  delta.TotalLatency,
				RequestCount:  delta.RequestCount,
				TotalRequests: int64(delta.RequestCount),
			}
			l.db.Create(&newStat)
		}
	}
}

// Close 关闭日志记录器，排空队列中尚未落库的日志
func (l *AsyncRequestLogger) Close() {
	close(l.quit)
	l.wg.Wait()

	close(l.logChan)
	var rest []*models.RequestLog
	for log := range l.logChan {
		rest = append(rest, log)
	}
	l.flush(rest)
}
