package errors

type ExitCode int

const (
	// Process exit codes used by the kestrel binary.
	GenericFailureExitCode ExitCode = 1
	UsageFailureExitCode   ExitCode = 2

	ConfigFailureExitCode  ExitCode = 70
	JournalFailureExitCode ExitCode = 71
	ResumeFailureExitCode  ExitCode = 72

	ClusterMetadataRejectedExitCode ExitCode = 80
	TrainingServiceInitExitCode     ExitCode = 81

	AdvisorFailureExitCode ExitCode = 90
)
