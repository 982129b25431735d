package main

import (
	"os"

	sequencerrunner "github.com/llm-d/sequencer/cmd/sequencer/runner"
	ctrl "sigs.k8s.io/controller-runtime"
)

func main() {
	if err := sequencerrunner.New().Run(ctrl.SetupSignalHandler()); err != nil {
		os.Exit(1)
	}
}
