package rtm

// NumKeys is the number of key slots in the IV cache.
const NumKeys = 4

// KeyIV is the packet number state of one installed key.
type KeyIV struct {
	Installed bool
	TxPN      uint64 // 48 bit
	RxPN      uint64 // 48 bit
}

// IVCache keeps CCMP packet numbers across power-down so the station neither
// reuses a transmit PN nor accepts a replayed one after waking.
type IVCache struct {
	Keys [NumKeys]KeyIV
}

// Install marks key slot id as holding a key with the given starting PNs.
func (c *IVCache) Install(id int, tx, rx uint64) error {
	if id < 0 || id >= NumKeys {
		return opErr("iv install", ErrNoEntry)
	}
	c.Keys[id] = KeyIV{Installed: true, TxPN: tx & pnMask, RxPN: rx & pnMask}
	return nil
}

// Remove uninstalls key slot id.
func (c *IVCache) Remove(id int) {
	if id >= 0 && id < NumKeys {
		c.Keys[id] = KeyIV{}
	}
}

func (c *IVCache) key(op string, id int) (*KeyIV, error) {
	if id < 0 || id >= NumKeys || !c.Keys[id].Installed {
		return nil, opErr(op, ErrNoEncrKey)
	}
	return &c.Keys[id], nil
}

// NextTxPN advances and returns the transmit PN of key id.
func (c *IVCache) NextTxPN(id int) (uint64, error) {
	k, err := c.key("iv tx", id)
	if err != nil {
		return 0, err
	}
	k.TxPN = (k.TxPN + 1) & pnMask
	return k.TxPN, nil
}

// CheckRxPN accepts pn for key id only if it is newer than the last one seen.
func (c *IVCache) CheckRxPN(id int, pn uint64) error {
	k, err := c.key("iv rx", id)
	if err != nil {
		return err
	}
	pn &= pnMask
	if pn <= k.RxPN {
		return opErr("iv rx", ErrCCMPPN)
	}
	k.RxPN = pn
	return nil
}
