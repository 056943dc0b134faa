//go:build !dpmsim

package rtm

// ScheMaxCnt is the capacity of the schedule table.
const ScheMaxCnt = 16
