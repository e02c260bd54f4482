package sweeper

import (
	"context"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/tracing"
)

// PointScroller 向量库侧能力：分页枚举点ID并删除指定点。
type PointScroller interface {
	ScrollPointIDs(ctx context.Context, offset interface{}, limit int) ([]uint64, interface{}, error)
	DeletePoints(ctx context.Context, resumeIDs []uint) error
}

// ResumeChecker 关系库侧能力：判断一批简历ID中哪些仍然存在。
type ResumeChecker interface {
	ExistingResumeIDs(ctx context.Context, resumeIDs []uint) (map[uint]bool, error)
}

// Sweeper 孤儿向量清扫器。
// 关系库删除是权威操作；向量侧删除失败时点会残留，
// 由本清扫器周期性比对两个存储并回收没有对应简历记录的向量点。
type Sweeper struct {
	index    PointScroller
	store    ResumeChecker
	interval time.Duration
	pageSize int
	logger   *log.Logger
	done     chan struct{}
	tracer   trace.Tracer
}

// NewSweeper 创建清扫器，间隔与页大小取自配置。
func NewSweeper(index PointScroller, store ResumeChecker, cfg config.SweeperConfig, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 256
	}
	return &Sweeper{
		index:    index,
		store:    store,
		interval: config.GetDuration(cfg.Interval, 10*time.Minute),
		pageSize: pageSize,
		logger:   logger,
		done:     make(chan struct{}),
		tracer:   otel.Tracer("cv-agent-go/sweeper"),
	}
}

// Start 启动后台清扫循环。
func (s *Sweeper) Start() {
	s.logger.Printf("孤儿向量清扫器已启动，扫描间隔: %v, 页大小: %d", s.interval, s.pageSize)

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-s.done:
				ticker.Stop()
				s.logger.Println("孤儿向量清扫器已停止")
				return
			case <-ticker.C:
				if deleted, err := s.SweepOnce(context.Background()); err != nil {
					s.logger.Printf("清扫失败: %v", err)
				} else if deleted > 0 {
					s.logger.Printf("清扫完成，回收孤儿向量点 %d 个", deleted)
				}
			}
		}
	}()
}

// Stop 通知后台循环退出。
func (s *Sweeper) Stop() {
	close(s.done)
}

// SweepOnce 执行一轮完整扫描，返回删除的点数。
// 分页遍历向量库中的全部点ID，与关系库比对后删除孤儿点。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	var (
		offset  interface{}
		scanned int
		deleted int
		span    trace.Span
	)

	for {
		ids, next, err := s.index.ScrollPointIDs(ctx, offset, s.pageSize)
		if err != nil {
			if span != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
				span.SetStatus(codes.Error, "扫描向量点失败")
			}
			return deleted, err
		}

		if len(ids) > 0 && span == nil {
			// 避免为空轮询创建Span
			ctx, span = s.tracer.Start(ctx, "Sweeper.SweepOnce")
			defer func() {
				span.SetAttributes(
					attribute.Int("sweeper.points_scanned", scanned),
					attribute.Int("sweeper.points_deleted", deleted),
				)
				span.End()
			}()
		}

		if len(ids) > 0 {
			scanned += len(ids)
			orphans, err := s.findOrphans(ctx, ids)
			if err != nil {
				tracing.RecordError(span, err, tracing.ErrorTypeDB)
				span.SetStatus(codes.Error, "比对简历记录失败")
				return deleted, err
			}
			if len(orphans) > 0 {
				if err := s.index.DeletePoints(ctx, orphans); err != nil {
					tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
					span.SetStatus(codes.Error, "删除孤儿向量点失败")
					return deleted, err
				}
				deleted += len(orphans)
			}
		}

		if next == nil {
			break
		}
		offset = next
	}

	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
	return deleted, nil
}

// findOrphans 返回在关系库中已不存在对应简历记录的点ID。
func (s *Sweeper) findOrphans(ctx context.Context, pointIDs []uint64) ([]uint, error) {
	resumeIDs := make([]uint, 0, len(pointIDs))
	for _, id := range pointIDs {
		resumeIDs = append(resumeIDs, uint(id))
	}

	existing, err := s.store.ExistingResumeIDs(ctx, resumeIDs)
	if err != nil {
		return nil, err
	}

	var orphans []uint
	for _, id := range resumeIDs {
		if !existing[id] {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}
