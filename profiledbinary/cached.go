// Copyright The ProfGen Authors
// SPDX-License-Identifier: Apache-2.0

package profiledbinary // import "github.com/westtide/profgen/profiledbinary"

import (
	lru "github.com/elastic/go-freelru"
)

// siteInfo is the memoized per-address classification.
type siteInfo struct {
	isCall   bool
	isReturn bool
	callAddr uint64
}

// CachedImage memoizes the per-address classification queries of a
// wrapped Image. Classification runs once per LBR entry per sample, so
// for images backed by on-demand disassembly the same hot addresses are
// queried over and over. Safe for concurrent use if the wrapped Image is.
type CachedImage struct {
	inner Image
	sites *lru.SyncedLRU[uint64, siteInfo]
}

var _ Image = (*CachedImage)(nil)

// NewCachedImage wraps inner with an address-keyed LRU of the given
// capacity.
func NewCachedImage(inner Image, cacheSize uint32) (*CachedImage, error) {
	sites, err := lru.NewSynced[uint64, siteInfo](cacheSize,
		func(addr uint64) uint32 { return uint32(addr ^ addr>>32) })
	if err != nil {
		return nil, err
	}
	return &CachedImage{inner: inner, sites: sites}, nil
}

func (c *CachedImage) lookup(addr uint64) siteInfo {
	if info, ok := c.sites.Get(addr); ok {
		return info
	}
	info := siteInfo{
		isCall:   c.inner.IsCallSite(addr),
		isReturn: c.inner.IsReturnSite(addr),
		callAddr: c.inner.CallAddrFromFrameAddr(addr),
	}
	c.sites.Add(addr, info)
	return info
}

func (c *CachedImage) IsCallSite(addr uint64) bool {
	return c.lookup(addr).isCall
}

func (c *CachedImage) IsReturnSite(addr uint64) bool {
	return c.lookup(addr).isReturn
}

func (c *CachedImage) CallAddrFromFrameAddr(frameAddr uint64) uint64 {
	return c.lookup(frameAddr).callAddr
}

func (c *CachedImage) RangeCrossesUncondBranch(start, end uint64) bool {
	return c.inner.RangeCrossesUncondBranch(start, end)
}

func (c *CachedImage) PrevInstruction(addr uint64) uint64 {
	return c.inner.PrevInstruction(addr)
}

func (c *CachedImage) InlineContextEqual(a, b uint64) bool {
	return c.inner.InlineContextEqual(a, b)
}

func (c *CachedImage) FrameName(addr uint64) string {
	return c.inner.FrameName(addr)
}

func (c *CachedImage) ExpandContext(addrs []uint64) ([]string, bool) {
	return c.inner.ExpandContext(addrs)
}
