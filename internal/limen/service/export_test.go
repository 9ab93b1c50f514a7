package service

import "time"

func (s *ScanService) SetNow(now func() time.Time)      { s.now = now }
func (s *TokenService) SetNow(now func() time.Time)     { s.now = now }
func (t *OccupancyTracker) SetNow(now func() time.Time) { t.now = now }
func (p *ExpirySweeper) SetNow(now func() time.Time)    { p.now = now }
