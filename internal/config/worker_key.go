package config

type WorkerKeyStruct struct {
	PersistFlagsQueue   string
	PersistAnswersQueue string
	PersistResultsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistFlagsQueue:   "persist_flags_queue",
	PersistAnswersQueue: "persist_answers_queue",
	PersistResultsQueue: "persist_results_queue",
}
