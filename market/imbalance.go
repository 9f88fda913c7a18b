package market

// CalculateImbalance calculates the imbalance between bid and ask volumes
// Imbalance = (BidVol - AskVol) / (BidVol + AskVol)
func CalculateImbalance(bidVolumeTop float64, askVolumeTop float64) float64 {
	totalVolume := bidVolumeTop + askVolumeTop
	if totalVolume == 0 {
		return 0
	}
	return (bidVolumeTop - askVolumeTop) / totalVolume
}

// Imbalance 基于前 levels 档计算盘口失衡度，范围 [-1, 1]。
func (ob *OrderBook) Imbalance(levels int) float64 {
	if levels <= 0 {
		return 0
	}
	return CalculateImbalance(ob.TotalVolume(SideBid, levels), ob.TotalVolume(SideAsk, levels))
}
