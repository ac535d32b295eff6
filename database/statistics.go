package database

import (
	"math"

	"credential-broker/models"
	"credential-broker/utils"
)

// Summarize computes wait and usage statistics over completed requests.
// Rows lacking the timestamps a measure needs are skipped for that measure.
// The standard deviation is the sample deviation and is 0 below two samples.
func Summarize(rows []models.Request) models.Statistics {
	var waits, usages []float64
	for _, r := range rows {
		if r.CheckoutTimestamp == nil {
			continue
		}
		waits = append(waits, r.CheckoutTimestamp.Sub(r.SubmissionTimestamp).Seconds())
		if r.CheckinTimestamp != nil {
			usages = append(usages, r.CheckinTimestamp.Sub(*r.CheckoutTimestamp).Seconds())
		}
	}
	avgWait, sdWait := meanStddev(waits)
	avgUse, sdUse := meanStddev(usages)
	return models.Statistics{
		Completed:        int64(len(rows)),
		AverageWaitTime:  utils.Round2(avgWait),
		AverageUsageTime: utils.Round2(avgUse),
		StddevWaitTime:   utils.Round2(sdWait),
		StddevUsageTime:  utils.Round2(sdUse),
	}
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
