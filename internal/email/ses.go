package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/sendfault"
)

// Opts holds configuration options for the SES provider.
type Opts struct {
	FromAddress  string
	FromName     string
	ConfigSet    string
	Region       string
	awsConfigSet bool
	awsConfig    aws.Config
}

// Option defines a configuration option for the SES provider.
type Option func(*Opts)

// WithFromAddress sets the verified sender address.
func WithFromAddress(addr string) Option {
	return func(o *Opts) { o.FromAddress = addr }
}

// WithFromName sets the display name used in the From header.
func WithFromName(name string) Option {
	return func(o *Opts) { o.FromName = name }
}

// WithConfigurationSet sets the SES configuration set applied to sends.
func WithConfigurationSet(name string) Option {
	return func(o *Opts) { o.ConfigSet = name }
}

// WithRegion overrides the AWS region.
func WithRegion(region string) Option {
	return func(o *Opts) { o.Region = region }
}

// WithAWSConfig injects a pre-built AWS config (used by tests).
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *Opts) { o.awsConfig = cfg; o.awsConfigSet = true }
}

// SESProvider implements Provider and QuotaOracle against Amazon SES v2.
type SESProvider struct {
	client    *sesv2.Client
	from      string
	configSet string
}

// Compile-time checks.
var (
	_ Provider    = (*SESProvider)(nil)
	_ QuotaOracle = (*SESProvider)(nil)
)

// NewSESProvider creates the SES-backed email provider. The sender address
// must be configured (option or SES_FROM_EMAIL); its absence is a
// configuration error detected before any provider call.
func NewSESProvider(ctx context.Context, opts ...Option) (*SESProvider, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FromAddress == "" {
		cfg.FromAddress = os.Getenv("SES_FROM_EMAIL")
	}
	if cfg.FromName == "" {
		cfg.FromName = os.Getenv("SES_FROM_NAME")
	}
	if cfg.ConfigSet == "" {
		cfg.ConfigSet = os.Getenv("SES_CONFIGURATION_SET")
	}
	if cfg.FromAddress == "" {
		return nil, sendfault.NewConfigError("SES_FROM_EMAIL")
	}

	awsCfg := cfg.awsConfig
	if !cfg.awsConfigSet {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		loaded, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config failed: %w", err)
		}
		awsCfg = loaded
	}

	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}

	slog.Debug("SESProvider configured", "from_set", cfg.FromAddress != "", "config_set", cfg.ConfigSet)
	return &SESProvider{
		client:    sesv2.NewFromConfig(awsCfg),
		from:      from,
		configSet: cfg.ConfigSet,
	}, nil
}

// Send delivers one email through SES and returns the provider message id.
func (p *SESProvider) Send(ctx context.Context, req SendRequest) (string, error) {
	var headers []types.MessageHeader
	if req.UnsubscribeURL != "" {
		headers = append(headers,
			types.MessageHeader{
				Name:  aws.String("List-Unsubscribe"),
				Value: aws.String("<" + req.UnsubscribeURL + ">"),
			},
			types.MessageHeader{
				Name:  aws.String("List-Unsubscribe-Post"),
				Value: aws.String("List-Unsubscribe=One-Click"),
			},
		)
	}

	var tags []types.MessageTag
	for name, value := range req.Tags {
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{req.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(req.HTML)},
				},
				Headers: headers,
			},
		},
		EmailTags: tags,
	}
	if p.configSet != "" {
		input.ConfigurationSetName = aws.String(p.configSet)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	slog.Debug("SESProvider.Send succeeded", "to", req.To, "messageID", messageID)
	return messageID, nil
}

// GetQuota reports the account's current SES sending quota.
func (p *SESProvider) GetQuota(ctx context.Context) (models.SendQuota, error) {
	out, err := p.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return models.SendQuota{}, fmt.Errorf("get SES account quota failed: %w", err)
	}
	if out.SendQuota == nil {
		return models.SendQuota{}, fmt.Errorf("SES returned no send quota")
	}
	q := models.SendQuota{
		MaxSendRate:     out.SendQuota.MaxSendRate,
		Max24HourSend:   out.SendQuota.Max24HourSend,
		SentLast24Hours: out.SendQuota.SentLast24Hours,
	}
	slog.Debug("SESProvider.GetQuota", "maxSendRate", q.MaxSendRate, "max24h", q.Max24HourSend, "sent24h", q.SentLast24Hours)
	return q, nil
}

// classifySESError maps SES failures onto the shared taxonomy: explicit
// throttling exceptions are throttled, permanent rejections are validation
// errors, and everything else falls back to the HTTP status or transient.
func classifySESError(err error) error {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return sendfault.Throttled(err)
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return sendfault.Throttled(err)
	}
	var badReq *types.BadRequestException
	if errors.As(err, &badReq) {
		return sendfault.Invalid(err)
	}
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return sendfault.Invalid(err)
	}
	var mailFrom *types.MailFromDomainNotVerifiedException
	if errors.As(err, &mailFrom) {
		return sendfault.Invalid(err)
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return sendfault.Invalid(err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch sendfault.ClassifyStatus(respErr.HTTPStatusCode()) {
		case sendfault.ClassThrottled:
			return sendfault.Throttled(err)
		case sendfault.ClassValidation:
			return sendfault.Invalid(err)
		}
	}
	return sendfault.Transient(err)
}
