package database

import (
	"context"
	"errors"
	"time"

	"credential-broker/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository stores credentials and requests in a SQL database
// (postgres or sqlite).
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// DB exposes the underlying connection for the idempotency middleware.
func (r *GormRepository) DB() *gorm.DB { return r.db }

func (r *GormRepository) FindCredentials(ctx context.Context, q CredentialQuery) ([]models.Credential, error) {
	tx := r.db.WithContext(ctx).Model(&models.Credential{})
	if q.Key != "" {
		tx = tx.Where(map[string]any{ColKey: q.Key})
	}
	tx = orderBy(tx, sanitizeSort(q.Sort, credentialSortable))

	out := make([]models.Credential, 0)
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *GormRepository) FindCredential(ctx context.Context, id string) (*models.Credential, error) {
	var c models.Credential
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *GormRepository) InsertCredential(ctx context.Context, c *models.Credential) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormRepository) UpdateCredential(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		_, err := r.FindCredential(ctx, id)
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]any(fields))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) DeleteCredential(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Credential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) FindRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	tx := r.requestScope(ctx, q)
	tx = orderBy(tx, sanitizeSort(q.Sort, requestSortable))
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	out := make([]models.Request, 0)
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *GormRepository) CountRequests(ctx context.Context, q RequestQuery) (int64, error) {
	var n int64
	err := r.requestScope(ctx, q).Count(&n).Error
	return n, err
}

func (r *GormRepository) FindRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

func (r *GormRepository) InsertRequest(ctx context.Context, req *models.Request) error {
	req.SubmissionTimestamp = req.SubmissionTimestamp.UTC()
	for _, ts := range []**time.Time{&req.CheckoutTimestamp, &req.CheckinTimestamp} {
		if *ts != nil {
			u := (*ts).UTC()
			*ts = &u
		}
	}
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *GormRepository) UpdateRequest(ctx context.Context, id string, fields Fields) error {
	res := r.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ?", id).
		Updates(sqlFields(fields))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) UpdateRequestIf(ctx context.Context, id string, expected models.Status, fields Fields) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND status = ?", id, int(expected)).
		Updates(sqlFields(fields))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormRepository) CredentialStatistics(ctx context.Context, credentialId string) (models.Statistics, error) {
	rows, err := r.FindRequests(ctx, RequestQuery{
		Statuses:     []models.Status{models.StatusCompleted},
		CredentialId: credentialId,
	})
	if err != nil {
		return models.Statistics{}, err
	}
	return Summarize(rows), nil
}

func (r *GormRepository) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *GormRepository) requestScope(ctx context.Context, q RequestQuery) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&models.Request{})
	if len(q.Statuses) > 0 {
		codes := make([]int, len(q.Statuses))
		for i, s := range q.Statuses {
			codes[i] = int(s)
		}
		tx = tx.Where("status IN ?", codes)
	}
	if q.Key != "" {
		tx = tx.Where(map[string]any{ColKey: q.Key})
	}
	if q.CredentialId != "" {
		tx = tx.Where("credential_id = ?", q.CredentialId)
	}
	if q.HasCheckout {
		tx = tx.Where("checkout_timestamp IS NOT NULL")
	}
	if q.CheckedOutSince != nil {
		tx = tx.Where("checkout_timestamp >= ?", q.CheckedOutSince.UTC())
	}
	return tx
}

func orderBy(tx *gorm.DB, sort []SortField) *gorm.DB {
	for _, s := range sort {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: s.Field}, Desc: s.Desc})
	}
	return tx
}

// sqlFields normalizes timestamps to UTC and statuses to their integer code
// so sqlite text comparisons stay ordered.
func sqlFields(fields Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case time.Time:
			v = t.UTC()
		case *time.Time:
			if t != nil {
				u := t.UTC()
				v = &u
			}
		case models.Status:
			v = int(t)
		}
		out[k] = v
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
