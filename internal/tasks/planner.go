package tasks

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"waitline/internal/models"
	"waitline/internal/service/queueing"
)

// Transitions: источник услуг, которым пора сменить статус.
type Transitions interface {
	DueTransitions(ctx context.Context, now time.Time) ([]models.Service, error)
	UpdateStatus(ctx context.Context, businessID, serviceID uint, status models.ServiceStatus) (models.Service, error)
}

type Queues interface {
	ServiceChanged(ctx context.Context, svc models.Service) error
	Sweep(ctx context.Context) (queueing.SweepResult, error)
}

const (
	transitionsSchedule = "0 * * * * *"
	sweepSchedule       = "0 */5 * * * *"
	jobTimeout          = 30 * time.Second
)

// Planner запускает фоновые задачи: смену статусов услуг по расписанию
// и обход очередей с проверкой инвариантов.
type Planner struct {
	cron        *cron.Cron
	transitions Transitions
	queues      Queues
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewPlanner(transitions Transitions, queues Queues, logger logrus.FieldLogger) *Planner {
	return &Planner{
		cron:        cron.New(cron.WithSeconds()),
		transitions: transitions,
		queues:      queues,
		logger:      logger,
		now:         time.Now,
	}
}

// Start регистрирует задачи и запускает планировщик.
func (p *Planner) Start(ctx context.Context) error {
	if _, err := p.cron.AddFunc(transitionsSchedule, func() { p.run(ctx, "transitions", p.ApplyTransitions) }); err != nil {
		return errors.Wrap(err, "add transitions job")
	}
	if _, err := p.cron.AddFunc(sweepSchedule, func() { p.run(ctx, "sweep", p.SweepQueues) }); err != nil {
		return errors.Wrap(err, "add sweep job")
	}
	p.cron.Start()
	p.logger.Info("Cron-планировщик запущен.")
	return nil
}

// Stop останавливает планировщик и ждёт завершения идущих задач.
func (p *Planner) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("Cron-планировщик остановлен.")
}

func (p *Planner) run(ctx context.Context, name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		p.logger.WithError(err).WithField("job", name).Error("cron-задача завершилась с ошибкой")
	}
}

// ApplyTransitions переводит услуги в статус, положенный по расписанию,
// и применяет его к очередям. Ошибка одной услуги не останавливает остальные.
func (p *Planner) ApplyTransitions(ctx context.Context) error {
	now := p.now()
	due, err := p.transitions.DueTransitions(ctx, now)
	if err != nil {
		return err
	}
	for _, svc := range due {
		next, ok := svc.DueStatus(now)
		if !ok {
			continue
		}
		log := p.logger.WithFields(logrus.Fields{
			"service_id":  svc.ID,
			"business_id": svc.BusinessID,
			"from":        svc.Status,
			"to":          next,
		})
		updated, err := p.transitions.UpdateStatus(ctx, svc.BusinessID, svc.ID, next)
		if err != nil {
			log.WithError(err).Warn("не удалось сменить статус услуги")
			continue
		}
		if err := p.queues.ServiceChanged(ctx, updated); err != nil {
			log.WithError(err).Warn("очередь не обновлена после смены статуса")
			continue
		}
		log.Info("статус услуги изменён по расписанию")
	}
	return nil
}

// SweepQueues проверяет все очереди в памяти.
func (p *Planner) SweepQueues(ctx context.Context) error {
	res, err := p.queues.Sweep(ctx)
	if err != nil {
		return err
	}
	log := p.logger.WithFields(logrus.Fields{
		"queues":      res.Queues,
		"revalidated": res.Revalidated,
		"lost_claims": res.LostClaims,
	})
	if res.Revalidated > 0 || res.LostClaims > 0 {
		log.Warn("обход очередей обнаружил расхождения")
		return nil
	}
	log.Debug("обход очередей завершён")
	return nil
}
