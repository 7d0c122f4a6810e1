// Package notifications publishes budget alerts to an SNS topic.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type Notifier interface {
	NotifyBudgetAlert(ctx context.Context, alert BudgetAlert) error
}

type BudgetAlert struct {
	UserID    string    `json:"user_id"`
	SpentUSD  float64   `json:"spent_usd"`
	LimitUSD  float64   `json:"limit_usd"`
	Fraction  float64   `json:"fraction"`
	Timestamp time.Time `json:"timestamp"`
}

type SNSNotifier struct {
	client   *sns.Client
	topicARN string
	logger   *slog.Logger
}

func NewSNSNotifier(ctx context.Context, region, topicARN string, logger *slog.Logger) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

func (n *SNSNotifier) NotifyBudgetAlert(ctx context.Context, alert BudgetAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal budget alert: %w", err)
	}

	subject := fmt.Sprintf("Budget alert: user %s at %.0f%% of limit", alert.UserID, alert.Fraction*100)

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish budget alert: %w", err)
	}

	n.logger.Info("published budget alert",
		slog.String("user_id", alert.UserID),
		slog.Float64("spent_usd", alert.SpentUSD),
		slog.Float64("fraction", alert.Fraction),
	)
	return nil
}

// LogNotifier writes alerts to the structured log. Used when no SNS topic is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyBudgetAlert(ctx context.Context, alert BudgetAlert) error {
	n.logger.Warn("budget alert",
		slog.String("user_id", alert.UserID),
		slog.Float64("spent_usd", alert.SpentUSD),
		slog.Float64("limit_usd", alert.LimitUSD),
		slog.Float64("fraction", alert.Fraction),
	)
	return nil
}
