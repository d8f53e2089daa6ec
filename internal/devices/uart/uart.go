// Package uart implements an ns16550a serial port on the machine's MMIO bus.
package uart

import (
	"io"
	"sync"

	"github.com/LekKit/RVVM-sub000/internal/vm"
)

// DefaultAddr matches where riscv-virtio device trees place the first UART.
const DefaultAddr = 0x10000000

const regionSize = 0x1000

// Register indexes, before the DLAB split.
const (
	regRBR = 0 // read: receive buffer, write: transmit hold
	regIER = 1
	regIIR = 2 // read: interrupt id, write: fifo control
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7
)

const (
	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	iirNone      = 0x01
	iirRxReady   = 0x04
	iirTxEmpty   = 0x02
	ierRxEnable  = 1 << 0
	ierTxEnable  = 1 << 1

	fifoSize = 16
)

// UART is a 16550-compatible serial port. Output bytes go to out as the
// guest writes them; input bytes are pulled from in by the machine's
// eventloop between guest timeslices.
type UART struct {
	mu sync.Mutex

	out io.Writer
	in  <-chan byte

	dll, dlm byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	scr      byte

	rx      [fifoSize]byte
	rxHead  int
	rxCount int

	// IRQ, when non-nil, is pulsed whenever the interrupt condition in IIR
	// changes to pending. Left nil until an interrupt controller exists.
	IRQ func()
}

var uartType = &vm.DeviceType{
	Name:   "uart",
	Update: func(dev *vm.MMIODevice) { dev.Data.(*UART).poll() },
	Reset:  func(dev *vm.MMIODevice) { dev.Data.(*UART).reset() },
}

// Attach maps a UART at addr on m, writing guest output to out and feeding
// guest input from in. Either stream may be nil.
func Attach(m *vm.Machine, addr uint64, out io.Writer, in io.Reader) (*vm.MMIODevice, error) {
	u := &UART{out: out}
	if in != nil {
		ch := make(chan byte, fifoSize)
		u.in = ch
		go func() {
			buf := make([]byte, 1)
			for {
				n, err := in.Read(buf)
				if n > 0 {
					ch <- buf[0]
				}
				if err != nil {
					close(ch)
					return
				}
			}
		}()
	}
	return m.AttachMMIO(&vm.MMIODevice{
		Addr:      addr,
		Size:      regionSize,
		MinOpSize: 1,
		MaxOpSize: 1,
		Read:      uartRead,
		Write:     uartWrite,
		Type:      uartType,
		Data:      u,
	})
}

func (u *UART) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dll, u.dlm, u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0, 0, 0
	u.rxHead, u.rxCount = 0, 0
}

// poll moves pending host input into the receive fifo.
func (u *UART) poll() {
	u.mu.Lock()
	defer u.mu.Unlock()

fill:
	for u.rxCount < fifoSize && u.in != nil {
		select {
		case b, ok := <-u.in:
			if !ok {
				// Host stream ended; bytes already in the fifo still have
				// to reach the guest.
				u.in = nil
				continue
			}
			u.rx[(u.rxHead+u.rxCount)%fifoSize] = b
			u.rxCount++
		default:
			break fill
		}
	}

	if u.rxCount > 0 && u.ier&ierRxEnable != 0 && u.IRQ != nil {
		u.IRQ()
	}
}

func (u *UART) lsr() byte {
	// The transmitter never backpressures; host writes complete in-line.
	v := byte(lsrTHRE | lsrTEMT)
	if u.rxCount > 0 {
		v |= lsrDataReady
	}
	return v
}

func (u *UART) iir() byte {
	if u.rxCount > 0 && u.ier&ierRxEnable != 0 {
		return iirRxReady
	}
	if u.ier&ierTxEnable != 0 {
		return iirTxEmpty
	}
	return iirNone
}

func uartRead(dev *vm.MMIODevice, off uint64, data []byte) bool {
	u := dev.Data.(*UART)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case regRBR:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dll
			break
		}
		if u.rxCount == 0 {
			data[0] = 0
			break
		}
		data[0] = u.rx[u.rxHead]
		u.rxHead = (u.rxHead + 1) % fifoSize
		u.rxCount--
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dlm
		} else {
			data[0] = u.ier
		}
	case regIIR:
		data[0] = u.iir()
	case regLCR:
		data[0] = u.lcr
	case regMCR:
		data[0] = u.mcr
	case regLSR:
		data[0] = u.lsr()
	case regMSR:
		data[0] = 0
	case regSCR:
		data[0] = u.scr
	default:
		data[0] = 0
	}
	return true
}

func uartWrite(dev *vm.MMIODevice, off uint64, data []byte) bool {
	u := dev.Data.(*UART)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case regRBR:
		if u.lcr&lcrDLAB != 0 {
			u.dll = data[0]
			break
		}
		if u.out != nil {
			u.out.Write(data[:1])
		}
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = data[0]
		} else {
			u.ier = data[0] & 0x0f
		}
	case regIIR:
		u.fcr = data[0]
	case regLCR:
		u.lcr = data[0]
	case regMCR:
		u.mcr = data[0] & 0x1f
	case regSCR:
		u.scr = data[0]
	}
	return true
}
