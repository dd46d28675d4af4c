// Package memsys assembles the allocators an engine needs from one budget.
//
// # Overview
//
// A Budget names the capacity of each allocator:
//
//   - frame: a LinearAllocator that EndFrame empties every frame
//   - scratch: a double-ended StackAllocator for nested temporary work
//   - general: the GeneralAllocator for long-lived variable-size data
//   - pools: named PoolSets for fixed-size objects
//
// Budgets are plain structs with presets (DefaultBudget, SmallBudget) and
// can be loaded from YAML:
//
//	frame: 16MiB
//	scratch: 4MiB
//	general:
//	  capacity: 64MiB
//	  policy: best-fit
//	  defragment: true
//	pools:
//	  - name: particles
//	    classes:
//	      - {block_size: 64, block_count: 8192}
//
// # Usage
//
//	sys, err := memsys.New(budget, memsys.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
//
//	physics := NewPhysics(sys.General())
//	for running {
//	    render(sys.Frame())
//	    sys.EndFrame()
//	}
//
// A System hands allocators to the subsystems that need them; nothing in
// arenakit is global.
package memsys
