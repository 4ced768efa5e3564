package util

import "strings"

// keyTag 提取 {tag}，相同 tag 的键落在同一个槽位
func keyTag(key string) string {
	i := strings.IndexByte(key, '{')
	if i < 0 {
		return key
	}
	j := strings.IndexByte(key[i+1:], '}')
	if j <= 0 {
		return key
	}
	return key[i+1 : i+1+j]
}

func makeCRC16Table(poly uint16) [256]uint16 {
	var tab [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}

var crc16Tab = makeCRC16Table(0x1021)

func crc16CCITT(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		idx := byte((crc >> 8) ^ uint16(b))
		crc = (crc << 8) ^ crc16Tab[idx]
	}
	return crc
}

// Slot 将 key 映射到 [0, n) 的槽位，用于分段锁
func Slot(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(crc16CCITT([]byte(keyTag(key)))) % n
}
