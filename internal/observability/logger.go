package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithShuffle adds shuffle_id context to logger.
func (l *Logger) WithShuffle(shuffleID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("shuffle_id", shuffleID).Logger(),
	}
}

// WithRun adds run_id context to logger.
func (l *Logger) WithRun(runID int64) *Logger {
	return &Logger{
		logger: l.logger.With().Int64("run_id", runID).Logger(),
	}
}

// WithWorker adds worker_address context to logger.
func (l *Logger) WithWorker(addr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("worker_address", addr).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// RunStarted logs a run's lazy creation after consulting the scheduler.
func (l *Logger) RunStarted(runID int64, kind string) {
	l.logger.Info().
		Int64("run_id", runID).
		Str("kind", kind).
		Msg("shuffle run started")
}

// PartitionAdded logs one add_partition call.
func (l *Logger) PartitionAdded(partitionKey string, bytesOut int) {
	l.logger.Debug().
		Str("partition", partitionKey).
		Int("bytes_out", bytesOut).
		Msg("partition added")
}

// ShardReceived logs one inbound shard batch.
func (l *Logger) ShardReceived(producerKey string, bytesIn int) {
	l.logger.Debug().
		Str("producer", producerKey).
		Int("bytes_in", bytesIn).
		Msg("shard received")
}

// BarrierReached logs a run crossing into BARRIERED.
func (l *Logger) BarrierReached(runID int64, duration time.Duration) {
	l.logger.Info().
		Int64("run_id", runID).
		Float64("duration_seconds", duration.Seconds()).
		Msg("barrier reached")
}

// RunSuperseded logs a run being replaced by a higher run_id.
func (l *Logger) RunSuperseded(oldRunID, newRunID int64) {
	l.logger.Warn().
		Int64("old_run_id", oldRunID).
		Int64("new_run_id", newRunID).
		Msg("run superseded")
}

// RunFailed logs a run's sticky exception being latched.
func (l *Logger) RunFailed(runID int64, err error) {
	l.logger.Error().
		Int64("run_id", runID).
		Err(err).
		Msg("run failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
