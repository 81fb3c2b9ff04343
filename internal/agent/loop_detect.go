package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// toolLoopState detects a model stuck re-issuing the same tool call with the
// same arguments and getting the same result back. Two levels: a warning
// injected into the conversation so the model changes strategy, then a
// critical stop that ends the run with an apology instead of burning the
// whole iteration budget.
type toolLoopState struct {
	counts      map[string]int    // name+argsHash -> consecutive identical calls
	lastResults map[string]string // argsHash -> hash of last result
	sameResult  map[string]int    // argsHash -> consecutive identical results
}

const (
	loopWarnAfter     = 3
	loopCriticalAfter = 5
)

// record notes a call and returns the args hash used as its identity.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	if s.counts == nil {
		s.counts = make(map[string]int)
		s.lastResults = make(map[string]string)
		s.sameResult = make(map[string]int)
	}
	h := hashArgs(name, args)
	s.counts[h]++
	return h
}

// recordResult notes the result of a call identified by argsHash. A changing
// result resets the no-progress counter: repeated polling that observes
// progress is not a loop.
func (s *toolLoopState) recordResult(argsHash, result string) {
	if s.lastResults == nil {
		return
	}
	rh := hashString(result)
	if s.lastResults[argsHash] == rh {
		s.sameResult[argsHash]++
	} else {
		s.sameResult[argsHash] = 0
		s.counts[argsHash] = 1
	}
	s.lastResults[argsHash] = rh
}

// detect returns ("", "") while healthy, ("warning", msg) once the model
// should be nudged, and ("critical", msg) once the run should stop.
func (s *toolLoopState) detect(name, argsHash string) (level, msg string) {
	if s.counts == nil {
		return "", ""
	}
	identical := s.sameResult[argsHash]
	switch {
	case identical >= loopCriticalAfter:
		return "critical", fmt.Sprintf("tool %s called %d times with identical arguments and results", name, identical+1)
	case identical >= loopWarnAfter:
		return "warning", fmt.Sprintf("You have called %s %d times with the same arguments and received the same result each time. Change your approach or finish with what you have.", name, identical+1)
	}
	return "", ""
}

func hashArgs(name string, args map[string]interface{}) string {
	b, _ := json.Marshal(args)
	return hashString(name + ":" + string(b))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
