package causal

import "sort"

// History 是按拓扑序（本地序）排列的事件历史
type History interface {
	NumEvents() int
	EventAt(i int) (Event, []Event)
}

// ExtendFrontier 把 newEvents（其父版本为 theirParents）并入 frontier。
// 若 theirParents 全在 frontier 中，走 O(|frontier|) 的快速路径；
// 否则从新到旧扫描 history，重新求出真正的 frontier。
func ExtendFrontier(frontier, newEvents, theirParents []string, history History) []string {
	in := make(map[string]bool, len(frontier))
	for _, v := range frontier {
		in[v] = true
	}
	fast := true
	for _, p := range theirParents {
		if !in[p] {
			fast = false
			break
		}
	}
	if fast {
		drop := make(map[string]bool, len(theirParents))
		for _, p := range theirParents {
			drop[p] = true
		}
		out := make([]string, 0, len(frontier)+len(newEvents))
		for _, v := range frontier {
			if !drop[v] {
				out = append(out, v)
			}
		}
		out = append(out, newEvents...)
		return dedupe(out)
	}
	looking := make(map[string]bool, len(frontier)+len(newEvents))
	for _, v := range frontier {
		looking[v] = true
	}
	for _, v := range newEvents {
		looking[v] = true
	}
	return reduce(looking, history)
}

// Reduce 把任意版本列表约化为真正的 frontier（去掉被其它元素支配的事件）
func Reduce(version []string, history History) []string {
	looking := make(map[string]bool, len(version))
	for _, v := range version {
		looking[v] = true
	}
	return reduce(looking, history)
}

func reduce(looking map[string]bool, history History) []string {
	shadow := make(map[string]bool)
	var out []string
	found := 0
	for i := history.NumEvents() - 1; i >= 0 && found < len(looking); i-- {
		e, parents := history.EventAt(i)
		key := e.String()
		if looking[key] {
			found++
			if !shadow[key] {
				out = append(out, key)
			}
		} else if !shadow[key] {
			continue
		}
		for _, p := range parents {
			shadow[p.String()] = true
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(v []string) []string {
	sort.Strings(v)
	out := v[:0]
	for i, s := range v {
		if i == 0 || s != v[i-1] {
			out = append(out, s)
		}
	}
	return out
}
