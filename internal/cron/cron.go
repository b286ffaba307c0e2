package cron

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/customeros/popstack/interfaces"
	cron_config "github.com/customeros/popstack/internal/cron/config"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/models"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

const (
	// GroupAccounts serializes the jobs that walk the account table
	GroupAccounts = "accounts"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second
)

var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupAccounts: new(sync.Mutex),
	},
}

// AccountSyncer queues account syncs.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string, force bool) error
}

type CronManager struct {
	cfg      *cron_config.Config
	log      logger.Logger
	cron     *cronv3.Cron
	k8s      kubernetes.Interface
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	jobIDs   map[string]cronv3.EntryID
	accounts interfaces.PopAccountRepository
	syncer   AccountSyncer
	now      func() time.Time
}

func NewCronManager(cfg *cron_config.Config, log logger.Logger, k8s kubernetes.Interface, accounts interfaces.PopAccountRepository, syncer AccountSyncer) *CronManager {
	return &CronManager{
		cfg:      cfg,
		log:      log,
		k8s:      k8s,
		stopCh:   make(chan struct{}),
		jobIDs:   make(map[string]cronv3.EntryID),
		accounts: accounts,
		syncer:   syncer,
		now:      utils.Now,
	}
}

// Start runs the jobs on this instance, or on whichever replica holds the
// lease when leader election is enabled and a kubernetes client is present.
func (cm *CronManager) Start(podName string) error {
	if cm.k8s == nil || !cm.cfg.LeaderElectionEnabled || os.Getenv("LOCAL_DEV") == "true" {
		cm.log.Info("Starting cron manager in local mode")
		return cm.StartCron()
	}

	if podName == "" {
		podName = "popstack-" + uuid.NewString()
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cm.cfg.LeaderElectionLease,
			Namespace: cm.cfg.LeaderElectionNamespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   LeaseDuration,
		RenewDeadline:   RenewDeadline,
		RetryPeriod:     RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				if err := cm.StartCron(); err != nil {
					cm.log.Errorf("Failed to start crons as leader: %v", err)
				}
			},
			OnStoppedLeading: func() {
				cm.log.Info("Leader lost - stopping crons")
				cm.stopCron()
			},
			OnNewLeader: func(identity string) {
				cm.log.Infof("New leader elected: %s", identity)
			},
		},
	})
	if err != nil {
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		return cm.StartCron()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	go le.Run(ctx)
	return nil
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	cm.stopOnce.Do(func() {
		if cm.cancel != nil {
			cm.cancel()
		}
		cm.stopCron()
		close(cm.stopCh)
	})
}

func (cm *CronManager) stopCron() {
	if cm.cron == nil {
		return
	}
	cm.log.Info("Stopping cron manager")
	ctx := cm.cron.Stop()
	<-ctx.Done()
	cm.cron = nil
}

// StartCron initializes and starts the cron scheduler
func (cm *CronManager) StartCron() error {
	cm.log.Info("Starting cron manager")
	c := cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	)
	if err := cm.registerJobs(c); err != nil {
		return err
	}
	c.Start()
	cm.cron = c
	return nil
}

func (cm *CronManager) registerJobs(c *cronv3.Cron) error {
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = "local"
	}

	jobs := []struct {
		name     string
		schedule string
		group    string
		run      func()
	}{
		{"heartbeat", cm.cfg.CronScheduleHeartbeat, "", func() {
			cm.log.Infof("Cron heartbeat from pod: %s", podName)
		}},
		{"sync_accounts", cm.cfg.CronScheduleSyncAccounts, GroupAccounts, cm.syncAccounts},
		{"retry_accounts", cm.cfg.CronScheduleRetryAccounts, GroupAccounts, cm.retryAccounts},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		job := job
		id, err := c.AddFunc(job.schedule, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			if job.group != "" {
				jobLocks.locks[job.group].Lock()
				defer jobLocks.locks[job.group].Unlock()
			}
			job.run()
		})
		if err != nil {
			cm.log.Errorf("Could not add %s cron job: %v", job.name, err)
			return err
		}
		cm.jobIDs[job.name] = id
		cm.log.Infof("Registered %s job with schedule: %s", job.name, job.schedule)
	}
	return nil
}

// syncAccounts queues a sync for every enabled account.
func (cm *CronManager) syncAccounts() {
	span, ctx := tracing.StartTracerSpan(context.Background(), "CronManager.syncAccounts")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	accounts, err := cm.accounts.GetEnabledAccounts(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to load accounts for periodic sync: %v", err)
		return
	}
	now := cm.now()
	due := make([]*models.PopAccount, 0, len(accounts))
	for _, account := range accounts {
		// accounts in backoff are left to the retry sweep
		if account.HasLoginError() || (account.NextRetryAt != nil && account.NextRetryAt.After(now)) {
			continue
		}
		due = append(due, account)
	}
	queued := cm.queueSyncs(ctx, due)
	span.LogKV("queued", queued)
	cm.log.Infof("Periodic sync queued %d of %d accounts", queued, len(accounts))
}

// retryAccounts re-syncs accounts whose retry time has passed.
func (cm *CronManager) retryAccounts() {
	span, ctx := tracing.StartTracerSpan(context.Background(), "CronManager.retryAccounts")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	accounts, err := cm.accounts.GetAccountsDueForRetry(ctx, cm.now())
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to load accounts due for retry: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}
	queued := cm.queueSyncs(ctx, accounts)
	span.LogKV("queued", queued)
	cm.log.Infof("Retry sweep queued %d accounts", queued)
}

func (cm *CronManager) queueSyncs(ctx context.Context, accounts []*models.PopAccount) int {
	queued := 0
	for _, account := range accounts {
		if err := cm.syncer.SyncAccount(ctx, account.ID, false); err != nil {
			cm.log.Warnf("Failed to queue sync of account %s: %v", account.ID, err)
			continue
		}
		queued++
	}
	return queued
}
