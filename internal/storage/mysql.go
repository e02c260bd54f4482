package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/storage/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("cv-agent-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		sqlStatement := db.Statement.SQL.String()
		if sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", sqlStatement),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// 将span保存在DB上下文中，以便在after回调中使用
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		if db.Statement.RowsAffected > 0 {
			span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		} else {
			span.SetAttributes(attribute.Int64("db.rows_affected", 0))
		}

		// ErrRecordNotFound 是业务逻辑正常情况的一部分，不作为错误处理
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.SetAttributes(attribute.String("error.message", db.Error.Error()))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// MySQL 提供候选人身份库的关系存储
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		// 方言错误翻译，邮箱唯一索引冲突会以 gorm.ErrDuplicatedKey 暴露，
		// 调和引擎依赖它把并发create竞争转为merge重试
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	tracingPlugin := NewGormTracingPlugin(cfg.Database)
	if err := db.Use(tracingPlugin); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	// 迁移期间关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.Person{},
		&models.Education{},
		&models.ResumeFile{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreatePersonWithChildren 创建候选人及其关联的教育经历与简历文件
// person.Email 必须已规范化；邮箱唯一索引冲突时返回 gorm.ErrDuplicatedKey
func (m *MySQL) CreatePersonWithChildren(ctx context.Context, person *models.Person) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.CreatePersonWithChildren",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.Int("person.educations", len(person.Educations)),
		attribute.Int("person.resume_files", len(person.ResumeFiles)),
	)

	if err := m.db.WithContext(ctx).Create(person).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.Int64("person.id", int64(person.ID)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetPersonByEmail 按规范化邮箱查找候选人，预加载教育经历
func (m *MySQL) GetPersonByEmail(ctx context.Context, email string) (*models.Person, error) {
	var person models.Person
	err := m.db.WithContext(ctx).
		Preload("Educations").
		Where("email = ?", email).
		First(&person).Error
	if err != nil {
		return nil, err
	}
	return &person, nil
}

// GetPersonByID 按ID查找候选人，预加载教育经历与简历文件
func (m *MySQL) GetPersonByID(ctx context.Context, id uint) (*models.Person, error) {
	var person models.Person
	err := m.db.WithContext(ctx).
		Preload("Educations").
		Preload("ResumeFiles").
		First(&person, id).Error
	if err != nil {
		return nil, err
	}
	return &person, nil
}

// MergePersonRecords 在一个事务中完成merge分支的全部写入：
// 更新候选人字段、补充去重后的新教育经历、无条件追加新简历文件
func (m *MySQL) MergePersonRecords(ctx context.Context, personID uint, updates map[string]interface{}, newEducations []models.Education, newFiles []*models.ResumeFile) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.MergePersonRecords",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.Int64("person.id", int64(personID)),
		attribute.Int("merge.new_educations", len(newEducations)),
		attribute.Int("merge.new_files", len(newFiles)),
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(&models.Person{}).Where("id = ?", personID).Updates(updates).Error; err != nil {
				return err
			}
		}
		for i := range newEducations {
			newEducations[i].PersonID = personID
		}
		if len(newEducations) > 0 {
			if err := tx.Create(&newEducations).Error; err != nil {
				return err
			}
		}
		for _, f := range newFiles {
			f.PersonID = personID
			if err := tx.Create(f).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// UpdatePersonFields 更新候选人的部分字段
func (m *MySQL) UpdatePersonFields(ctx context.Context, personID uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	result := m.db.WithContext(ctx).Model(&models.Person{}).Where("id = ?", personID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetResumeFile 按ID查找简历文件
func (m *MySQL) GetResumeFile(ctx context.Context, id uint) (*models.ResumeFile, error) {
	var file models.ResumeFile
	if err := m.db.WithContext(ctx).First(&file, id).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// UpdateResumeStatus 更新简历处理状态；目标行不存在时返回 gorm.ErrRecordNotFound
func (m *MySQL) UpdateResumeStatus(ctx context.Context, id uint, status string) error {
	result := m.db.WithContext(ctx).Model(&models.ResumeFile{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Update命中0行可能是值未变化，需要区分行不存在的情况
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.ResumeFile{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// UpdateResumeFields 更新简历文件的多个字段
func (m *MySQL) UpdateResumeFields(ctx context.Context, id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return m.db.WithContext(ctx).Model(&models.ResumeFile{}).Where("id = ?", id).Updates(updates).Error
}

// DeletePersonCascade 删除候选人及其全部教育经历与简历文件（单事务），
// 返回被删除的简历ID供调用方清理向量索引；关系库删除是权威步骤
func (m *MySQL) DeletePersonCascade(ctx context.Context, personID uint) ([]uint, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.DeletePersonCascade",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.Int64("person.id", int64(personID)),
	)

	var resumeIDs []uint
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var person models.Person
		if err := tx.First(&person, personID).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.ResumeFile{}).Where("person_id = ?", personID).
			Pluck("id", &resumeIDs).Error; err != nil {
			return err
		}

		if err := tx.Where("person_id = ?", personID).Delete(&models.Education{}).Error; err != nil {
			return err
		}
		if err := tx.Where("person_id = ?", personID).Delete(&models.ResumeFile{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Person{}, personID).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("deleted.resume_files", len(resumeIDs)))
	span.SetStatus(codes.Ok, "")
	return resumeIDs, nil
}

// DeleteResumeFile 删除单个简历文件；不存在时返回 gorm.ErrRecordNotFound
func (m *MySQL) DeleteResumeFile(ctx context.Context, id uint) error {
	result := m.db.WithContext(ctx).Delete(&models.ResumeFile{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ExistingResumeIDs 返回给定ID集合中仍然存在的简历ID，供孤儿向量清扫使用
func (m *MySQL) ExistingResumeIDs(ctx context.Context, ids []uint) (map[uint]bool, error) {
	existing := make(map[uint]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	var found []uint
	if err := m.db.WithContext(ctx).Model(&models.ResumeFile{}).
		Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}
