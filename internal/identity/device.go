package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"vauchi/internal/vcrypto"
)

var (
	ErrMaxDevicesReached      = errors.New("identity: maximum device count reached")
	ErrDeviceNotFound         = errors.New("identity: device not found")
	ErrCannotRemoveLastDevice = errors.New("identity: cannot remove the last active device")
	ErrDeviceAlreadyExists    = errors.New("identity: device already registered")
	ErrInvalidRegistrySig     = errors.New("identity: invalid registry signature")
	ErrEmptyDeviceName        = errors.New("identity: device name must not be empty")
)

const (
	deviceIDInfoFmt       = "Vauchi_Device_ID_%d"
	deviceExchangeInfoFmt = "Vauchi_Device_Exchange_%d"
)

// DeriveDevice computes the deterministic device id and exchange key
// pair for a fixed slot index under a master seed.
func DeriveDevice(masterSeed []byte, index int, deviceName string) (Device, [32]byte, error) {
	if deviceName == "" {
		return Device{}, [32]byte{}, ErrEmptyDeviceName
	}
	if index < 0 || index >= MaxDevices {
		return Device{}, [32]byte{}, ErrMaxDevicesReached
	}

	idxBytes := indexBytes(index)
	idSeed, err := vcrypto.HKDFDeriveSalted(idxBytes, masterSeed, deviceIDFmt(index), 16)
	if err != nil {
		return Device{}, [32]byte{}, err
	}
	exchangeSeed, err := vcrypto.HKDFDeriveSalted(idxBytes, masterSeed, deviceExchangeFmt(index), 32)
	if err != nil {
		return Device{}, [32]byte{}, err
	}
	defer vcrypto.Wipe(exchangeSeed)

	kp, err := vcrypto.ExchangeKeyPairFromSeed(exchangeSeed)
	if err != nil {
		return Device{}, [32]byte{}, err
	}

	dev := Device{
		Index:          index,
		DeviceID:       "dev1_" + hexEncode(idSeed),
		DeviceName:     deviceName,
		ExchangePublic: kp.Public,
		CreatedAt:      time.Now(),
	}
	return dev, kp.Private, nil
}

func deviceIDFmt(index int) string {
	return fmt.Sprintf(deviceIDInfoFmt, index)
}

func deviceExchangeFmt(index int) string {
	return fmt.Sprintf(deviceExchangeInfoFmt, index)
}

func indexBytes(index int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(index))
	return b[:]
}

// NewRegistry creates a registry containing only the primary device at
// slot 0.
func NewRegistry(primary Device) *Registry {
	return &Registry{Devices: []Device{primary}, Version: 1}
}

// NextFreeIndex returns the lowest device slot index not currently
// occupied by a non-revoked device, or an error if the registry is full.
func (r *Registry) NextFreeIndex() (int, error) {
	used := make(map[int]bool, len(r.Devices))
	for _, d := range r.Devices {
		if !d.Revoked {
			used[d.Index] = true
		}
	}
	for i := 0; i < MaxDevices; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, ErrMaxDevicesReached
}

// AddDevice appends a newly derived device to the registry, bumping its
// version. The caller must sign the result with Sign.
func (r *Registry) AddDevice(dev Device) error {
	for _, d := range r.Devices {
		if d.DeviceID == dev.DeviceID && !d.Revoked {
			return ErrDeviceAlreadyExists
		}
	}
	r.Devices = append(r.Devices, dev)
	r.Version++
	return nil
}

// RevokeDevice marks a device revoked by id. The caller must re-sign
// the registry afterward.
func (r *Registry) RevokeDevice(deviceID string) error {
	activeCount := 0
	idx := -1
	for i, d := range r.Devices {
		if !d.Revoked {
			activeCount++
		}
		if d.DeviceID == deviceID {
			idx = i
		}
	}
	if idx == -1 {
		return ErrDeviceNotFound
	}
	if r.Devices[idx].Revoked {
		return ErrDeviceNotFound
	}
	if activeCount <= 1 {
		return ErrCannotRemoveLastDevice
	}
	r.Devices[idx].Revoked = true
	r.Devices[idx].RevokedAt = time.Now()
	r.Version++
	return nil
}

// SigningData returns the exact byte layout that is signed to produce a
// registry signature: version || count || for each device (device_id ||
// exchange_public || revoked_byte).
func (r *Registry) SigningData() []byte {
	buf := make([]byte, 0, 8+len(r.Devices)*(64+32+1))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], r.Version)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(r.Devices)))
	buf = append(buf, tmp[:]...)
	for _, d := range r.Devices {
		buf = append(buf, []byte(d.DeviceID)...)
		buf = append(buf, d.ExchangePublic[:]...)
		if d.Revoked {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// Sign signs the registry's current contents with the identity's
// signing private key.
func (r *Registry) Sign(signingPriv []byte) {
	r.Signature = vcrypto.Sign(signingPriv, r.SigningData())
}

// Verify checks the registry's signature against a signing public key.
func (r *Registry) Verify(signingPub []byte) bool {
	if len(r.Signature) == 0 {
		return false
	}
	return vcrypto.Verify(signingPub, r.SigningData(), r.Signature)
}

// Broadcast returns a copy of the registry with revoked device entries
// omitted, suitable for distributing to contacts: they never need to
// see a revoked device's key material, only that it no longer appears.
func (r *Registry) Broadcast() *Registry {
	out := &Registry{Version: r.Version, Signature: append([]byte(nil), r.Signature...)}
	for _, d := range r.Devices {
		if !d.Revoked {
			out.Devices = append(out.Devices, d)
		}
	}
	return out
}

// ActiveCount returns the number of non-revoked devices.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, d := range r.Devices {
		if !d.Revoked {
			n++
		}
	}
	return n
}

// Find returns the device with the given id, if present.
func (r *Registry) Find(deviceID string) (Device, bool) {
	for _, d := range r.Devices {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}
