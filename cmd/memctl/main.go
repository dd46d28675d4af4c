// Command memctl exercises an arenakit memory budget outside of an engine.
//
// It replays a synthetic frame workload against the allocators a budget
// describes, compares fit policies on the same workload, and prints budget
// presets as YAML.
package main

func main() {
	execute()
}
