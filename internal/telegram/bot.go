package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/producer"
	"github.com/digkill/TGGenBot/internal/service"
	"github.com/digkill/TGGenBot/internal/storage"
)

const maxReferenceBytes = 20 << 20

var errReferenceNotImage = errors.New("reference not image")

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *service.UserService
	generation *service.GenerationService
	payments   *service.PaymentService
	references storage.ObjectUploader
	httpClient *http.Client
	wg         sync.WaitGroup
}

// NewBot wires the command surface. references may be nil, in which case photo references are
// refused.
func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, generation *service.GenerationService, payments *service.PaymentService, references storage.ObjectUploader) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		generation: generation,
		payments:   payments,
		references: references,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(msg.Photo) > 0 || msg.Document != nil {
		caption := strings.TrimSpace(msg.Caption)
		if cmd, args, ok := strings.Cut(caption, " "); ok && commandName(cmd) == "generate" {
			b.handleGenerate(ctx, msg, args, true)
			return
		}
		b.sendText(msg.Chat.ID, "Add a caption like /generate <model> <prompt> to use this image as a reference.")
		return
	}

	if !msg.IsCommand() {
		b.sendText(msg.Chat.ID, helpText)
		return
	}

	switch msg.Command() {
	case "start":
		userID := senderID(msg)
		user, err := b.users.Ensure(ctx, userID)
		if err != nil {
			b.log.Error("ensure user", "user_id", userID, "err", err)
			b.sendText(msg.Chat.ID, "Something went wrong, please try again later.")
			return
		}
		b.sendText(msg.Chat.ID, fmt.Sprintf("Hi! You have %d free generations.\n\n%s", user.FreeRemaining(), helpText))
	case "models":
		b.sendText(msg.Chat.ID, formatModels(b.generation.Models()))
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(ctx, msg)
	case "generate":
		b.handleGenerate(ctx, msg, msg.CommandArguments(), false)
	default:
		b.sendText(msg.Chat.ID, "Unknown command.\n\n"+helpText)
	}
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	userID := senderID(msg)
	summary, err := b.users.Summary(ctx, userID)
	if err != nil {
		b.log.Error("load balance", "user_id", userID, "err", err)
		b.sendText(msg.Chat.ID, "Could not load your balance, please try again later.")
		return
	}
	b.sendText(msg.Chat.ID, formatBalance(summary))
}

func (b *Bot) handleBuy(ctx context.Context, msg *tgbotapi.Message) {
	index, err := parseBuyArgs(msg.CommandArguments())
	if err != nil || index < 0 {
		b.sendText(msg.Chat.ID, formatPackages(b.payments.Packages(), b.cfg.PaymentCurrency))
		return
	}

	userID := senderID(msg)
	purchase, err := b.payments.CreatePurchase(ctx, userID, index)
	switch {
	case errors.Is(err, service.ErrUnknownPackage):
		b.sendText(msg.Chat.ID, formatPackages(b.payments.Packages(), b.cfg.PaymentCurrency))
		return
	case err != nil:
		b.log.Error("create purchase", "user_id", userID, "err", err)
		b.sendText(msg.Chat.ID, fmt.Sprintf("Could not create a payment. Please try again later or contact %s.", b.cfg.SupportContact))
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf("Order %s: %d credits for %s %s.\nPay here: %s\nCredits arrive automatically once the payment is confirmed.",
		purchase.Payment.OrderID, purchase.Package.Credits, purchase.Package.Price.StringFixed(2), purchase.Payment.Currency, purchase.PayURL))
}

func (b *Bot) handleGenerate(ctx context.Context, msg *tgbotapi.Message, raw string, withReference bool) {
	args, err := parseGenerateArgs(raw)
	if err != nil {
		b.sendText(msg.Chat.ID, "Usage: /generate <model> [count] <prompt>\nSee /models for model names.")
		return
	}
	if limit := b.generation.MaxBatchSize(); args.Count > limit {
		b.sendText(msg.Chat.ID, fmt.Sprintf("At most %d images per request.", limit))
		return
	}

	userID := senderID(msg)
	quote, err := b.generation.Quote(ctx, userID, args.Model, args.Count)
	switch {
	case errors.Is(err, service.ErrUnknownModel):
		b.sendText(msg.Chat.ID, "Unknown model.\n\n"+formatModels(b.generation.Models()))
		return
	case err != nil:
		b.log.Error("quote generation", "user_id", userID, "err", err)
		b.sendText(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	if quote.Affordable == 0 {
		b.sendText(msg.Chat.ID, formatQuoteRefusal(quote, args.Count))
		return
	}
	if quote.Affordable < args.Count {
		b.sendText(msg.Chat.ID, fmt.Sprintf("Your balance covers %d of %d image(s), generating %d.", quote.Affordable, args.Count, quote.Affordable))
		args.Count = quote.Affordable
	}

	req := service.BatchRequest{UserID: userID, Model: args.Model, Prompts: args.Prompts()}
	if withReference {
		url, err := b.uploadReference(ctx, msg)
		if err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "The attachment is not an image.")
			} else {
				b.log.Error("reference upload failed", "user_id", userID, "err", err)
				b.sendText(msg.Chat.ID, "Could not save the reference image, please try again.")
			}
			return
		}
		req.Params = producer.Params{InputURLs: []string{url}}
	}

	b.sendText(msg.Chat.ID, "Generation started, this can take a couple of minutes.")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runGeneration(ctx, msg.Chat.ID, req)
	}()
}

func (b *Bot) runGeneration(ctx context.Context, chatID int64, req service.BatchRequest) {
	res, err := b.generation.RunBatch(ctx, req)
	switch {
	case errors.Is(err, service.ErrCreditsRequired):
		b.sendText(chatID, "Not enough credits. Use /buy to top up.")
		return
	case errors.Is(err, service.ErrInvalidBatch):
		b.sendText(chatID, "Invalid request: "+err.Error())
		return
	case err != nil:
		b.log.Error("run batch", "user_id", req.UserID, "err", err)
		b.sendText(chatID, "Could not start the generation, please try again later.")
		return
	}

	for _, u := range res.Units {
		if !u.OK() {
			continue
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(u.URL))
		photo.Caption = u.Caption
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send image", "user_id", req.UserID, "index", u.Index, "err", err)
			b.sendText(chatID, fmt.Sprintf("#%d: %s", u.Index+1, u.URL))
		}
	}
	b.sendText(chatID, formatBatchSummary(res))
}

func (b *Bot) uploadReference(ctx context.Context, msg *tgbotapi.Message) (string, error) {
	if b.references == nil {
		return "", fmt.Errorf("reference storage not configured")
	}

	var fileID string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return "", errReferenceNotImage
		}
		fileID = msg.Document.FileID
	default:
		return "", errReferenceNotImage
	}

	data, contentType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return b.references.Upload(ctx, data, contentType)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func senderID(msg *tgbotapi.Message) int64 {
	if msg.From != nil {
		return msg.From.ID
	}
	return msg.Chat.ID
}

// commandName strips the slash and an optional @botname suffix.
func commandName(token string) string {
	if !strings.HasPrefix(token, "/") {
		return ""
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(token, "/"), "@")
	return strings.ToLower(name)
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
