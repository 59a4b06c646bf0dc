package config

// Configs the map of available configurations
var Configs = map[string]string{
	"default":      defaultConfig,
	"local.memory": localMemory,
	"local.file":   localFile,
	"local.sqlite": localSQLite,
	"local.docker": localDocker,
}

// defaultConfig the configuration values used for sections a specific
// configuration leaves without a Type
const defaultConfig = `{
	"Manager": {
		"Type": "default",
		"TickRate": "250ms",
		"PollInterval": "1s",
		"PollTimeout": "30s",
		"CancelTimeout": "10s",
		"SubmitRetries": 5,
		"SubmitBackoff": "500ms",
		"SubmitMaxDelay": "30s",
		"WorkDir": ".kestrel/experiments"
	},
	"Journal": {
		"Type": "memory"
	},
	"TrainingService": {
		"Type": "memory"
	}
}`

// localMemory config for local.memory - !!! make sure this constant is added to Configs map above !!!
const localMemory = `{
	"Manager": {
		"Type": "default",
		"TickRate": "50ms",
		"PollInterval": "100ms",
		"WorkDir": ".kestrel/experiments"
	}
}`

// localFile config for local.file - !!! make sure this constant is added to Configs map above !!!
const localFile = `{
	"Journal": {
		"Type": "file",
		"Directory": ".kestrel/journal"
	},
	"TrainingService": {
		"Type": "local",
		"RootDir": ".kestrel/trials",
		"AbortGrace": "10s"
	}
}`

// localSQLite config for local.sqlite - !!! make sure this constant is added to Configs map above !!!
const localSQLite = `{
	"Journal": {
		"Type": "sqlite",
		"Path": ".kestrel/journal.db"
	},
	"TrainingService": {
		"Type": "local",
		"RootDir": ".kestrel/trials",
		"AbortGrace": "10s"
	}
}`

// localDocker config for local.docker - !!! make sure this constant is added to Configs map above !!!
const localDocker = `{
	"Journal": {
		"Type": "sqlite",
		"Path": ".kestrel/journal.db"
	},
	"TrainingService": {
		"Type": "docker",
		"RootDir": ".kestrel/trials",
		"Image": "python:3.11-slim"
	}
}`
