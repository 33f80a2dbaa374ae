// Package ledger is the only writer of GeneratedImage records. Status
// changes are compare-and-set updates guarded by the current status, so two
// workers can never both move the same image into processing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/failure"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("image not found")
	ErrStatusConflict = errors.New("image status changed concurrently")
	ErrReasonRequired = errors.New("failed image status requires a reason")
)

const contentionAttempts = 3

// Ledger persists generated images in the keyed store.
type Ledger struct {
	db  *gorm.DB
	bus event.Bus
}

func New(db *gorm.DB, bus event.Bus) *Ledger {
	if db == nil {
		panic("ledger requires a database connection")
	}
	return &Ledger{db: db, bus: bus}
}

// Update carries the optional fields written together with a transition.
type Update struct {
	Reason             *string
	SourceImagePath    *string
	FinalImagePath     *string
	Metadata           *models.ImageMetadata
	ProcessingSettings *config.Processing
}

type statusPayload struct {
	From   image.Status `json:"from,omitempty"`
	To     image.Status `json:"to"`
	Reason string       `json:"reason,omitempty"`
}

// Create inserts a fully populated record in one of the initial statuses.
func (l *Ledger) Create(ctx context.Context, img *models.GeneratedImage) error {
	if err := image.ValidateInitial(img.QCStatus); err != nil {
		return err
	}
	if image.RequiresReason(img.QCStatus) && img.QCReason == nil {
		return ErrReasonRequired
	}
	if img.QCStatus == image.Approved {
		img.QCReason = nil
	}
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}

	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now

	if err := withContention(func() error {
		return l.db.WithContext(ctx).Create(img).Error
	}); err != nil {
		return fmt.Errorf("create image: %w", err)
	}

	metrics.ImagesTotal.WithLabelValues(string(img.QCStatus)).Inc()
	event.Emit(l.bus, event.TypeImageCreated, img.ExecutionID, img.ID, statusPayload{
		To:     img.QCStatus,
		Reason: deref(img.QCReason),
	})

	return nil
}

// Get loads one image.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.GeneratedImage, error) {
	img := &models.GeneratedImage{}
	if err := l.db.WithContext(ctx).First(img, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return img, nil
}

// GetMany loads the given images, failing if any id is unknown.
func (l *Ledger) GetMany(ctx context.Context, ids []uuid.UUID) (models.GeneratedImages, error) {
	images := make(models.GeneratedImages, 0, len(ids))
	if err := l.db.WithContext(ctx).Where("id IN ?", ids).Find(&images).Error; err != nil {
		return nil, err
	}

	found := make(map[uuid.UUID]struct{}, len(images))
	for _, img := range images {
		found[img.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}

	return images, nil
}

// Transition atomically moves an image from -> to, writing the update
// fields in the same statement. It fails with ErrStatusConflict when the
// stored status is no longer from.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, from, to image.Status, actor image.Actor, upd Update) (*models.GeneratedImage, error) {
	if err := image.Validate(from, to, actor); err != nil {
		return nil, err
	}

	values := map[string]interface{}{
		"qc_status":  string(to),
		"updated_at": time.Now().UTC(),
	}

	switch {
	case to == image.Approved:
		values["qc_reason"] = nil
	case image.RequiresReason(to):
		if upd.Reason == nil {
			return nil, ErrReasonRequired
		}
		values["qc_reason"] = *upd.Reason
	}

	if upd.SourceImagePath != nil {
		values["source_image_path"] = *upd.SourceImagePath
	}
	if upd.FinalImagePath != nil {
		values["final_image_path"] = *upd.FinalImagePath
	}
	if upd.Metadata != nil {
		values["metadata"] = datatypes.NewJSONType(*upd.Metadata)
	}
	if upd.ProcessingSettings != nil {
		values["processing_settings"] = datatypes.NewJSONType(*upd.ProcessingSettings)
	}

	updated := &models.GeneratedImage{}
	err := withContention(func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&models.GeneratedImage{}).
				Where("id = ? AND qc_status = ?", id, string(from)).
				Updates(values)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var count int64
				if err := tx.Model(&models.GeneratedImage{}).Where("id = ?", id).Count(&count).Error; err != nil {
					return err
				}
				if count == 0 {
					return ErrNotFound
				}
				return ErrStatusConflict
			}
			return tx.First(updated, "id = ?", id).Error
		})
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			metrics.LedgerConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.ImagesTotal.WithLabelValues(string(to)).Inc()
	event.Emit(l.bus, event.TypeImageUpdated, updated.ExecutionID, updated.ID, statusPayload{
		From:   from,
		To:     to,
		Reason: deref(updated.QCReason),
	})

	log.Debug("image transitioned", "image_id", id, "from", from, "to", to)

	return updated, nil
}

// UpdateStatus applies a user-requested status change from whatever status
// the image currently has.
func (l *Ledger) UpdateStatus(ctx context.Context, id uuid.UUID, to image.Status) (*models.GeneratedImage, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Transition(ctx, id, current.QCStatus, to, image.ActorUser, Update{})
}

// deletable lists the statuses a user may delete an image from.
var deletable = []string{
	string(image.Approved),
	string(image.QCFailed),
	string(image.RetryFailed),
}

// Delete removes an image that is not owned by in-flight work.
func (l *Ledger) Delete(ctx context.Context, id uuid.UUID) (*models.GeneratedImage, error) {
	img, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := l.db.WithContext(ctx).
		Where("id = ? AND qc_status IN ?", id, deletable).
		Delete(&models.GeneratedImage{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: image is %s", ErrStatusConflict, img.QCStatus)
	}

	return img, nil
}

// DeleteByExecution removes every image of an execution inside tx.
func DeleteByExecution(tx *gorm.DB, executionID uuid.UUID) error {
	return tx.Where("execution_id = ?", executionID).Delete(&models.GeneratedImage{}).Error
}

// ListRequest filters and pages image queries.
type ListRequest struct {
	ExecutionID uuid.UUID
	Statuses    []image.Status
	Limit       int
	Offset      int
	Descending  bool
}

// List returns one page of images ordered by completion time, plus the total
// number of matches.
func (l *Ledger) List(ctx context.Context, req ListRequest) (models.GeneratedImages, int64, error) {
	q := l.db.WithContext(ctx).Model(&models.GeneratedImage{})

	if req.ExecutionID != uuid.Nil {
		q = q.Where("execution_id = ?", req.ExecutionID)
	}
	if len(req.Statuses) > 0 {
		q = q.Where("qc_status IN ?", statusStrings(req.Statuses))
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := q.Order("created_at ASC")
	if req.Descending {
		page = q.Order("created_at DESC")
	}
	if req.Limit > 0 {
		page = page.Limit(req.Limit)
	}
	if req.Offset > 0 {
		page = page.Offset(req.Offset)
	}

	images := make(models.GeneratedImages, 0)
	if err := page.Find(&images).Error; err != nil {
		return nil, 0, err
	}

	return images, total, nil
}

// Counts returns the number of images per status for one execution, or for
// all executions when executionID is nil.
func (l *Ledger) Counts(ctx context.Context, executionID uuid.UUID) (map[image.Status]int64, error) {
	type row struct {
		QCStatus string
		Count    int64
	}

	q := l.db.WithContext(ctx).Model(&models.GeneratedImage{}).
		Select("qc_status, count(*) as count").
		Group("qc_status")
	if executionID != uuid.Nil {
		q = q.Where("execution_id = ?", executionID)
	}

	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[image.Status]int64, len(rows))
	for _, r := range rows {
		out[image.Status(r.QCStatus)] = r.Count
	}
	return out, nil
}

// SweepExecution moves every pending image of an interrupted execution to
// qc_failed so the ledger never reports work for a dead execution.
func (l *Ledger) SweepExecution(ctx context.Context, executionID uuid.UUID) (int64, error) {
	return l.sweep(ctx, l.db.WithContext(ctx).Where("execution_id = ?", executionID), image.Pending, image.QCFailed)
}

// SweepImages finishes interrupted retry work for the given images:
// retry_pending goes through processing, processing lands in retry_failed.
func (l *Ledger) SweepImages(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	scope := func() *gorm.DB { return l.db.WithContext(ctx).Where("id IN ?", ids) }

	if _, err := l.sweep(ctx, scope(), image.RetryPending, image.Processing); err != nil {
		return 0, err
	}
	return l.sweep(ctx, scope(), image.Processing, image.RetryFailed)
}

// SweepOrphans runs at startup, when no execution or batch can be alive.
func (l *Ledger) SweepOrphans(ctx context.Context) (int64, error) {
	var total int64
	for _, step := range []struct{ from, to image.Status }{
		{image.Pending, image.QCFailed},
		{image.RetryPending, image.Processing},
		{image.Processing, image.RetryFailed},
	} {
		n, err := l.sweep(ctx, l.db.WithContext(ctx), step.from, step.to)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (l *Ledger) sweep(ctx context.Context, scope *gorm.DB, from, to image.Status) (int64, error) {
	if err := image.Validate(from, to, image.ActorSystem); err != nil {
		return 0, err
	}

	values := map[string]interface{}{
		"qc_status":  string(to),
		"updated_at": time.Now().UTC(),
	}
	if image.RequiresReason(to) {
		values["qc_reason"] = failure.Reason(failure.Interrupted)
	}

	var affected int64
	err := withContention(func() error {
		result := scope.Session(&gorm.Session{}).
			Model(&models.GeneratedImage{}).
			Where("qc_status = ?", string(from)).
			Updates(values)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s images: %w", from, err)
	}
	if affected > 0 {
		metrics.ImagesTotal.WithLabelValues(string(to)).Add(float64(affected))
		log.Warn("swept interrupted images", "from", from, "to", to, "count", affected)
	}
	return affected, nil
}

// ExecutionView is the read-only shape consumed by exporters.
type ExecutionView struct {
	Execution *models.JobExecution   `json:"execution"`
	Images    models.GeneratedImages `json:"images"`
}

// Export returns executions with their images, oldest first. An empty id
// list exports every execution.
func (l *Ledger) Export(ctx context.Context, executionIDs []uuid.UUID) ([]ExecutionView, error) {
	executions := make(models.JobExecutions, 0)
	q := l.db.WithContext(ctx).Order("started_at ASC")
	if len(executionIDs) > 0 {
		q = q.Where("id IN ?", executionIDs)
	}
	if err := q.Find(&executions).Error; err != nil {
		return nil, err
	}

	views := make([]ExecutionView, 0, len(executions))
	for _, exec := range executions {
		images := make(models.GeneratedImages, 0)
		if err := l.db.WithContext(ctx).
			Where("execution_id = ?", exec.ID).
			Order("created_at ASC").
			Find(&images).Error; err != nil {
			return nil, err
		}
		views = append(views, ExecutionView{Execution: exec, Images: images})
	}

	return views, nil
}

func withContention(fn func() error) error {
	var err error
	for attempt := 0; attempt < contentionAttempts; attempt++ {
		if err = fn(); err == nil || !isContentionErr(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func isContentionErr(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func statusStrings(statuses []image.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
