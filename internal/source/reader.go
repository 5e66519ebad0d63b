package source

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"course-anchor/internal/domain"
)

const defaultPageSize = 200

// Filter narrows the eligible records. Zero values mean no restriction.
type Filter struct {
	FromDate  *time.Time
	CourseIDs []string
}

// Open connects to the source store. dbType is "postgres" or "sqlite".
func Open(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("source: unsupported db type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, domain.NewStageError(domain.ErrSourceUnavailable, domain.StagePending, "", err)
	}
	return db, nil
}

// Reader streams eligible completions with keyset pagination over
// (completion_date, id). It only ever reads.
type Reader struct {
	db       *gorm.DB
	pageSize int
	log      *zap.Logger
}

func NewReader(db *gorm.DB, pageSize int, log *zap.Logger) *Reader {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{db: db, pageSize: pageSize, log: log.Named("source")}
}

// Ping checks the store is reachable and the table exists.
func (r *Reader) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	if !r.db.WithContext(ctx).Migrator().HasTable(&CourseCompletion{}) {
		return unavailable(fmt.Errorf("table %s not found", CourseCompletion{}.TableName()))
	}
	return nil
}

// FetchEligible yields records ascending by (completion date, id). Pages are
// fetched lazily as the sequence is consumed. A store failure is yielded as
// ErrSourceUnavailable and ends the sequence; an undecodable row is yielded
// with ErrInvalidRecord and the sequence continues.
func (r *Reader) FetchEligible(ctx context.Context, f Filter) iter.Seq2[domain.SourceRecord, error] {
	return func(yield func(domain.SourceRecord, error) bool) {
		var (
			afterDate time.Time
			afterID   string
			started   bool
			page      int
		)

		for {
			q := r.db.WithContext(ctx).Model(&CourseCompletion{})
			if f.FromDate != nil {
				q = q.Where("completion_date >= ?", f.FromDate.UTC())
			}
			if len(f.CourseIDs) > 0 {
				q = q.Where("course_id IN ?", f.CourseIDs)
			}
			if started {
				q = q.Where("(completion_date > ? OR (completion_date = ? AND id > ?))", afterDate, afterDate, afterID)
			}

			var rows []CourseCompletion
			if err := q.Order("completion_date ASC").Order("id ASC").Limit(r.pageSize).Find(&rows).Error; err != nil {
				yield(domain.SourceRecord{}, unavailable(err))
				return
			}
			page++
			r.log.Debug("fetched page", zap.Int("page", page), zap.Int("rows", len(rows)))

			for _, row := range rows {
				if !yield(row.toDomain()) {
					return
				}
			}

			if len(rows) < r.pageSize {
				return
			}
			last := rows[len(rows)-1]
			afterDate, afterID, started = last.CompletionDate, last.ID, true
		}
	}
}

func unavailable(err error) error {
	return domain.NewStageError(domain.ErrSourceUnavailable, domain.StagePending, "", err)
}
