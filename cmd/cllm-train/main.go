// Command cllm-train runs a training job against a YAML configuration
// file, following junjiewwang-perf-analysis/cmd/cli's split between a
// thin main.go and a cmd package holding the actual command tree.
package main

import "github.com/sphere-lm/cllm/cmd/cllm-train/cmd"

func main() {
	cmd.Execute()
}
