//go:build dpmsim

package rtm

// ScheMaxCnt is reduced under simulation builds to exercise table exhaustion.
const ScheMaxCnt = 4
