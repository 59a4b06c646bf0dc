package stats

/*
Every stat the orchestrator records. Add new names here, grouped by component.
*/

const (
	/************************* Manager metrics **************************/
	/*
		duration of one control loop step
	*/
	ManagerStepLatency_ms = "stepLatency_ms"

	/*
		time spent invoking async completion callbacks in a step
	*/
	ManagerProcessMessagesLatency_ms = "processMessagesLatency_ms"

	/*
		number of trial jobs currently holding a backend handle
	*/
	ManagerRunningTrialsGauge = "runningTrialsGauge"

	/*
		number of free concurrency slots
	*/
	ManagerFreeSlotsGauge = "freeSlotsGauge"

	/*
		number of configurations received from the advisor and not yet submitted
	*/
	ManagerPendingConfigsGauge = "pendingConfigsGauge"

	/*
		trial jobs handed to the training service
	*/
	ManagerTrialsSubmittedCounter = "trialsSubmittedCounter"

	/*
		submit attempts that failed and were retried
	*/
	ManagerSubmitRetryCounter = "submitRetryCounter"

	/*
		trial jobs that entered FAILED
	*/
	ManagerTrialsFailedCounter = "trialsFailedCounter"

	/*
		trial jobs canceled by a user or by stop
	*/
	ManagerTrialsCanceledCounter = "trialsCanceledCounter"

	/*
		cancellations that did not complete within the bounded wait
	*/
	ManagerCancelTimeoutCounter = "cancelTimeoutCounter"

	/*
		successful training service polls
	*/
	ManagerPollCounter = "pollCounter"

	/*
		failed training service polls
	*/
	ManagerPollErrCounter = "pollErrCounter"

	/*
		metric records accepted into the metrics store
	*/
	ManagerMetricsAcceptedCounter = "metricsAcceptedCounter"

	/*
		metric records dropped because the payload could not be parsed
	*/
	ManagerMetricsRejectedCounter = "metricsRejectedCounter"

	/*
		control protocol messages dropped as malformed
	*/
	ManagerProtocolErrCounter = "protocolErrCounter"

	/*
		journal append failures
	*/
	ManagerJournalErrCounter = "journalErrCounter"

	/************************* Advisor metrics **************************/
	/*
		configurations generated for a rung 0 trial
	*/
	AdvisorNewConfigCounter = "newConfigCounter"

	/*
		configurations promoted to a higher rung
	*/
	AdvisorPromotedCounter = "promotedCounter"

	/*
		buckets that reached DONE
	*/
	AdvisorBucketsDoneCounter = "bucketsDoneCounter"

	/*
		inbound control messages the advisor dropped as malformed
	*/
	AdvisorProtocolErrCounter = "protocolErrCounter"

	/************************* Journal metrics **************************/
	/*
		time to append one event
	*/
	JournalAppendLatency_ms = "appendLatency_ms"
)
