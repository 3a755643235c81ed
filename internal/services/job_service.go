package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/events"
	"github.com/jobforge/backend/internal/models"
	"github.com/jobforge/backend/internal/repositories"
)

type JobService struct {
	jobRepo   *repositories.JobRepo
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewJobService(jobRepo *repositories.JobRepo, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *JobService {
	return &JobService{
		jobRepo:   jobRepo,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func (s *JobService) CreateJob(ctx context.Context, employerAddress, title string, description *string, amount decimal.Decimal, deadline time.Time) (*models.Job, error) {
	// 1. Валидация входа
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if !deadline.After(time.Now()) {
		return nil, fmt.Errorf("deadline must be in the future")
	}

	// 2. Новая вакансия всегда начинает с unfunded
	job := &models.Job{
		EmployerAddress: strings.ToLower(employerAddress),
		Title:           strings.TrimSpace(title),
		Description:     description,
		Amount:          amount,
		Deadline:        deadline,
		EscrowStatus:    models.EscrowStatusUnfunded,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.log.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("employer", job.EmployerAddress),
		zap.String("amount", amount.String()))
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.jobRepo.GetByID(ctx, id)
}

func (s *JobService) ListByEmployer(ctx context.Context, employerAddress string, limit, offset int) ([]models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.jobRepo.ListByEmployer(ctx, strings.ToLower(employerAddress), limit, offset)
}

// SubmitDeliverable records the worker's deliverable URL. The job must be
// funded and the caller must be its assigned worker; verification of the
// content itself runs in the background sweep before release.
func (s *JobService) SubmitDeliverable(ctx context.Context, jobID uuid.UUID, workerAddress, deliverableURL string) error {
	u, err := url.Parse(deliverableURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("deliverable url must be an absolute http(s) url")
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerAddress == nil || !strings.EqualFold(*job.WorkerAddress, workerAddress) {
		return fmt.Errorf("only the assigned worker can submit a deliverable")
	}

	// SetDeliverable сам проверяет escrow_status = funded
	if err := s.jobRepo.SetDeliverable(ctx, jobID, deliverableURL); err != nil {
		return err
	}

	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: events.EventDeliverableSubmitted,
		Payload: map[string]any{
			"job_id": jobID.String(),
			"worker": strings.ToLower(workerAddress),
			"url":    deliverableURL,
		},
	})
	return nil
}
