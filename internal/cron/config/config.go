package cron_config

type Config struct {
	// Heartbeat check, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Periodic sync of every enabled account, every 15 minutes
	CronScheduleSyncAccounts string `env:"CRON_SCHEDULE_SYNC_ACCOUNTS" envDefault:"0 */15 * * * *"`
	// Retry sweep for accounts in backoff, every minute
	CronScheduleRetryAccounts string `env:"CRON_SCHEDULE_RETRY_ACCOUNTS" envDefault:"30 * * * * *"`
	// Leader election lease, only used when running inside kubernetes
	LeaderElectionEnabled   bool   `env:"CRON_LEADER_ELECTION_ENABLED" envDefault:"false"`
	LeaderElectionNamespace string `env:"CRON_LEADER_ELECTION_NAMESPACE" envDefault:"default"`
	LeaderElectionLease     string `env:"CRON_LEADER_ELECTION_LEASE" envDefault:"popstack-cron"`
}
