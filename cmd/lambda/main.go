package main

import (
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/berniyo/appstore-lambda/internal/appstore"
	"github.com/berniyo/appstore-lambda/internal/handler"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Route the library's one-time schema diagnostics through zap.
	appstore.SetWarnFunc(logger.Sugar().Warnf)

	client, err := clientFromEnv()
	if err != nil {
		logger.Fatal("failed to configure appstore client", zap.Error(err))
	}

	callbackURL := strings.TrimSpace(os.Getenv("VERIFICATION_CALLBACK_URL"))
	if callbackURL == "" {
		logger.Fatal("VERIFICATION_CALLBACK_URL must be set")
	}
	callbackSecret := os.Getenv("VERIFICATION_CALLBACK_SECRET")
	callbackSender, err := handler.NewHTTPSCallbackSender(callbackURL, callbackSecret, nil)
	if err != nil {
		logger.Fatal("failed to configure callback sender", zap.Error(err))
	}

	processor := handler.NewProcessor(client,
		handler.WithLogger(logger),
		handler.WithCallbackSender(callbackSender))

	lambda.Start(processor.Handle)
}

// clientFromEnv constructs a verification client from APPSTORE_* environment
// variables.
func clientFromEnv() (*appstore.Client, error) {
	mode := strings.TrimSpace(os.Getenv("APPSTORE_MODE"))
	if mode == "" {
		mode = "production"
	}
	env, err := appstore.EnvironmentFromMode(mode)
	if err != nil {
		return nil, err
	}

	opts := []appstore.Option{appstore.WithEnvironment(env)}
	if secret := strings.TrimSpace(os.Getenv("APPSTORE_SHARED_SECRET")); secret != "" {
		opts = append(opts, appstore.WithSharedSecret(secret))
	}
	if proxy := strings.TrimSpace(os.Getenv("APPSTORE_PROXY_URL")); proxy != "" {
		opts = append(opts, appstore.WithProxy(proxy))
	}
	if raw := strings.TrimSpace(os.Getenv("APPSTORE_TIMEOUT")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, appstore.WithTimeout(timeout))
	}

	return appstore.NewClient(opts...), nil
}
