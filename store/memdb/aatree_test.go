package memdb

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

func (a *arena) keys(t int32) []string {
	var keys []string
	_ = a.walk(t, bounds{}, false, func(n *node) error {
		keys = append(keys, n.key)
		return nil
	})

	return keys
}

func sortedSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)
	return keys
}

func TestTreeInsertDelete(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		rng := rand.New(rand.NewPCG(uint64(trial), 7))
		a := newArena()
		root := int32(0)
		present := map[string]bool{}

		type snapshot struct {
			root int32
			keys []string
		}
		var snaps []snapshot

		for i := 0; i < 300; i++ {
			k := fmt.Sprintf("k%03d", rng.IntN(200))
			root = a.insert(root, k, &entry{value: []byte(k)})
			present[k] = true

			if !a.checkTree(root) {
				t.Fatalf("trial %d: invariants broken after insert %s", trial, k)
			}

			if i%40 == 0 {
				snaps = append(snaps, snapshot{root: root, keys: sortedSet(present)})
			}
		}

		if got, want := a.keys(root), sortedSet(present); !slices.Equal(got, want) {
			t.Fatalf("trial %d: keys = %v, want %v", trial, got, want)
		}

		order := sortedSet(present)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, k := range order {
			root = a.delete(root, k)
			delete(present, k)

			if !a.checkTree(root) {
				t.Fatalf("trial %d: invariants broken after delete %s", trial, k)
			}

			if got, want := a.keys(root), sortedSet(present); !slices.Equal(got, want) {
				t.Fatalf("trial %d: keys after delete = %v, want %v", trial, got, want)
			}
		}

		if root != 0 {
			t.Errorf("trial %d: root = %d after deleting everything", trial, root)
		}

		for _, s := range snaps {
			if got := a.keys(s.root); !slices.Equal(got, s.keys) {
				t.Errorf("trial %d: snapshot changed: %v, want %v", trial, got, s.keys)
			}
		}
	}
}

func TestTreeWalkBounds(t *testing.T) {
	a := newArena()
	root := int32(0)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		root = a.insert(root, k, &entry{})
	}

	tests := []struct {
		name    string
		b       bounds
		reverse bool
		want    []string
	}{
		{"all", bounds{}, false, []string{"a", "b", "c", "d", "e"}},
		{"all reversed", bounds{}, true, []string{"e", "d", "c", "b", "a"}},
		{"closed", bounds{lo: "b", hi: "d", hasLo: true, hasHi: true}, false, []string{"b", "c", "d"}},
		{"open", bounds{lo: "b", hi: "d", hasLo: true, hasHi: true, loOpen: true, hiOpen: true}, false, []string{"c"}},
		{"lower only", bounds{lo: "c", hasLo: true}, true, []string{"e", "d", "c"}},
		{"empty", bounds{lo: "x", hasLo: true}, false, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			_ = a.walk(root, tc.b, tc.reverse, func(n *node) error {
				got = append(got, n.key)
				return nil
			})

			if !slices.Equal(got, tc.want) {
				t.Errorf("walk = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTreeCompact(t *testing.T) {
	a := newArena()
	root := int32(0)
	for i := 0; i < 100; i++ {
		root = a.insert(root, fmt.Sprintf("%03d", i), &entry{})
	}

	for i := 0; i < 100; i += 2 {
		root = a.delete(root, fmt.Sprintf("%03d", i))
	}

	fresh := newArena()
	newRoot := a.copyTree(&fresh, root)

	if len(fresh.nodes) != 51 {
		t.Errorf("compacted arena has %d nodes, want 51", len(fresh.nodes))
	}

	if !fresh.checkTree(newRoot) {
		t.Error("compacted tree breaks invariants")
	}

	if !slices.Equal(fresh.keys(newRoot), a.keys(root)) {
		t.Error("compaction changed the key set")
	}
}
