package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/internal/dispatch"
	"github.com/paradixe-xz/evaInstance-sub000/internal/notify"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// BuildEmailSender prefers SendGrid, then SES, then a logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	if strings.TrimSpace(cfg.SendGridAPIKey) != "" {
		logger.Info("operator email via sendgrid")
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.EmailFromName,
		}, logger)
	}
	if strings.TrimSpace(cfg.SESFromEmail) != "" {
		logger.Info("operator email via ses")
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.EmailFromName,
		}, logger)
	}
	logger.Warn("no email provider configured; operator emails will only be logged")
	return notify.NewStubEmailSender(logger)
}

// BuildNotifier alerts operators by email and, when a messenger is
// available, by SMS through the same provider the campaign uses.
func BuildNotifier(cfg *appconfig.Config, awsCfg aws.Config, messenger dispatch.Messenger, logger *logging.Logger) *notify.Service {
	if logger == nil {
		logger = logging.Default()
	}
	var sms notify.SMSSender = notify.NewStubSMSSender(logger)
	if messenger != nil {
		sms = notify.NewSimpleSMSSender(cfg.TelnyxFromNumber, func(ctx context.Context, to, _ string, body string) error {
			_, err := messenger.SendMessage(ctx, to, body)
			return err
		}, logger)
	}
	recipients := notify.Recipients{Emails: cfg.OperatorEmails, Phones: cfg.OperatorPhones}
	return notify.NewService(BuildEmailSender(cfg, awsCfg, logger), sms, recipients, cfg.CampaignName, logger)
}
