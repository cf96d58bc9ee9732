// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import "container/list"

// lruIndex is the in-memory front of the disk store: a bounded
// least-recently-used map from fingerprint to decoded entry. It is not
// goroutine-safe; the Store guards it with a single mutex.
type lruIndex struct {
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	totalBytes int64
}

type lruNode struct {
	key   string
	entry *memEntry
}

func newLRUIndex(maxEntries int) *lruIndex {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &lruIndex{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// get returns the entry and marks it most recently used.
func (l *lruIndex) get(key string) (*memEntry, bool) {
	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.ll.MoveToFront(el)
	return el.Value.(*lruNode).entry, true
}

// add inserts or replaces an entry, evicting the oldest when over capacity.
func (l *lruIndex) add(key string, e *memEntry) {
	if el, ok := l.items[key]; ok {
		node := el.Value.(*lruNode)
		l.totalBytes += e.size - node.entry.size
		node.entry = e
		l.ll.MoveToFront(el)
		return
	}
	el := l.ll.PushFront(&lruNode{key: key, entry: e})
	l.items[key] = el
	l.totalBytes += e.size
	for l.ll.Len() > l.maxEntries {
		l.removeOldest()
	}
}

// remove drops a single key if present.
func (l *lruIndex) remove(key string) {
	if el, ok := l.items[key]; ok {
		l.removeElement(el)
	}
}

// removeOldest evicts the least recently used entry and returns its key.
func (l *lruIndex) removeOldest() (string, bool) {
	el := l.ll.Back()
	if el == nil {
		return "", false
	}
	key := el.Value.(*lruNode).key
	l.removeElement(el)
	return key, true
}

func (l *lruIndex) removeElement(el *list.Element) {
	node := el.Value.(*lruNode)
	l.ll.Remove(el)
	delete(l.items, node.key)
	l.totalBytes -= node.entry.size
}

func (l *lruIndex) len() int { return l.ll.Len() }

func (l *lruIndex) clear() {
	l.ll.Init()
	l.items = make(map[string]*list.Element)
	l.totalBytes = 0
}
