package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/producer"
)

var (
	ErrCreditsRequired = errors.New("insufficient credits, payment required")
	ErrInvalidBatch    = errors.New("invalid generation batch")
	ErrUnknownModel    = errors.New("unknown model")
	ErrUnitTimeout     = errors.New("generation timed out")
)

type BatchRequest struct {
	UserID  int64
	Model   string
	Prompts []string
	Params  producer.Params
}

// UnitOutcome is the result of one prompt in a batch.
type UnitOutcome struct {
	Index   int
	Prompt  string
	URL     string
	Caption string
	Err     error
}

func (u UnitOutcome) OK() bool {
	return u.Err == nil
}

type BatchResult struct {
	Model          string
	Units          []UnitOutcome
	Succeeded      int
	FreeUsed       int
	CreditsCharged int
	// Shortfall is the part of the cost the balance could not cover at settlement.
	Shortfall int
}

type Quote struct {
	FreeRemaining int
	Balance       int
	CostPerUnit   int
	Affordable    int
}

type GenerationService struct {
	cfg      config.Config
	log      *slog.Logger
	ledger   ledger.Ledger
	registry *producer.Registry
}

func NewGenerationService(cfg config.Config, log *slog.Logger, l ledger.Ledger, registry *producer.Registry) *GenerationService {
	return &GenerationService{
		cfg:      cfg,
		log:      log,
		ledger:   l,
		registry: registry,
	}
}

// RunBatch checks eligibility, runs every prompt on a bounded pool and bills only what succeeded,
// free quota first. Delivered results are never revoked, even when settlement falls short.
func (s *GenerationService) RunBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	prompts, err := s.validatePrompts(req.Prompts)
	if err != nil {
		return nil, err
	}
	model, ok := s.registry.Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}

	user, err := s.ledger.GetOrInitUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.FreeRemaining() < 1 && user.CreditBalance < model.CostPerUnit {
		return nil, ErrCreditsRequired
	}

	params := s.withDefaults(req.Params)
	result := &BatchResult{Model: model.Name, Units: make([]UnitOutcome, len(prompts))}

	// Units outlive the caller: a user leaving the chat does not stop dispatched work.
	base := context.WithoutCancel(ctx)

	limit := s.cfg.MaxConcurrentUnits
	if limit <= 0 {
		limit = len(prompts)
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			result.Units[i] = s.runUnit(base, model, i, prompt, params)
			return nil
		})
	}
	_ = g.Wait()

	for _, u := range result.Units {
		if u.OK() {
			result.Succeeded++
		} else {
			s.log.Warn("generation unit failed", "user_id", req.UserID, "model", model.Name, "index", u.Index, "err", u.Err)
		}
	}

	if result.Succeeded > 0 {
		s.settle(base, req.UserID, model, result)
	}
	return result, nil
}

func (s *GenerationService) settle(ctx context.Context, userID int64, model producer.Model, result *BatchResult) {
	k := result.Succeeded
	freeRemaining, err := s.ledger.GetFreeRemaining(ctx, userID)
	if err != nil {
		s.log.Error("settlement: read free quota", "user_id", userID, "err", err)
		return
	}
	free := min(k, freeRemaining)

	debit, err := s.ledger.DebitFreeOrCredits(ctx, userID, free, k-free, model.CostPerUnit,
		fmt.Sprintf("generation %s x%d", model.Name, k))
	if err != nil {
		s.log.Error("settlement: debit failed", "user_id", userID, "model", model.Name, "units", k, "err", err)
		return
	}

	result.FreeUsed = debit.FreeApplied
	result.CreditsCharged = debit.CreditsDebited
	result.Shortfall = debit.Shortfall
	if !debit.OK {
		s.log.Warn("settlement shortfall, results delivered anyway",
			"user_id", userID, "model", model.Name, "units", k, "free", debit.FreeApplied, "shortfall", debit.Shortfall)
		return
	}
	s.log.Info("batch settled", "user_id", userID, "model", model.Name, "units", k, "free", debit.FreeApplied, "credits", debit.CreditsDebited)
}

type unitReply struct {
	res *producer.Result
	err error
}

// runUnit runs one prompt under the model's timeout. A producer that ignores its context still
// cannot hold the batch past that timeout.
func (s *GenerationService) runUnit(base context.Context, model producer.Model, index int, prompt string, params producer.Params) UnitOutcome {
	out := UnitOutcome{Index: index, Prompt: prompt}

	ctx, cancel := context.WithTimeout(base, model.Timeout)
	defer cancel()

	replies := make(chan unitReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- unitReply{err: fmt.Errorf("producer panic: %v", r)}
			}
		}()
		res, err := model.Producer.Generate(ctx, prompt, params)
		replies <- unitReply{res: res, err: err}
	}()

	var reply unitReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		reply.err = ctx.Err()
	}

	switch {
	case reply.err != nil && errors.Is(reply.err, context.DeadlineExceeded):
		out.Err = fmt.Errorf("%w after %s", ErrUnitTimeout, model.Timeout)
	case reply.err != nil:
		out.Err = reply.err
	case reply.res == nil || reply.res.URL == "":
		out.Err = producer.ErrEmptyResult
	default:
		out.URL = reply.res.URL
		out.Caption = reply.res.Caption
	}
	return out
}

// Quote reports how many of n units the user can currently pay for.
func (s *GenerationService) Quote(ctx context.Context, userID int64, modelName string, n int) (*Quote, error) {
	model, ok := s.registry.Lookup(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	user, err := s.ledger.GetOrInitUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	q := &Quote{FreeRemaining: user.FreeRemaining(), Balance: user.CreditBalance, CostPerUnit: model.CostPerUnit}
	affordable := n
	if model.CostPerUnit > 0 {
		affordable = q.FreeRemaining + q.Balance/model.CostPerUnit
	}
	q.Affordable = max(0, min(n, affordable))
	return q, nil
}

func (s *GenerationService) Models() []producer.Model {
	return s.registry.Models()
}

func (s *GenerationService) MaxBatchSize() int {
	return s.cfg.MaxBatchSize
}

func (s *GenerationService) validatePrompts(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no prompts", ErrInvalidBatch)
	}
	if len(raw) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d prompts, at most %d allowed", ErrInvalidBatch, len(raw), s.cfg.MaxBatchSize)
	}
	prompts := make([]string, len(raw))
	for i, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: prompt %d is empty", ErrInvalidBatch, i+1)
		}
		prompts[i] = p
	}
	return prompts, nil
}

func (s *GenerationService) withDefaults(p producer.Params) producer.Params {
	if p.AspectRatio == "" {
		p.AspectRatio = s.cfg.DefaultAspectRatio
	}
	if p.Resolution == "" {
		p.Resolution = s.cfg.DefaultResolution
	}
	if p.OutputFormat == "" {
		p.OutputFormat = s.cfg.DefaultOutputFormat
	}
	return p
}
