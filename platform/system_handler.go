package platform

import (
	"net"
	"syscall"

	"godropbox/errors"

	"routeagent/dlog"
	"routeagent/nl"
	"routeagent/stats"
)

// ErrLinkNotFound distinguishes an unknown interface name from a kernel
// failure; callers commonly branch on it.
var ErrLinkNotFound = errors.New("link not found")

// LinkEntry is one interface with its assigned networks, as reported to
// external consumers.
type LinkEntry struct {
	IfName   string
	IfIndex  int
	IsUp     bool
	Networks []*net.IPNet
}

type HandlerParams struct {
	Socket nl.NetlinkSocket
}

// Handler is the boundary consumed by the service layer. It translates
// name-based batch operations into socket requests and folds the kernel's
// idempotence errnos (EEXIST on add, EADDRNOTAVAIL on delete) into success.
// It holds no protocol state of its own.
type Handler struct {
	sock nl.NetlinkSocket
}

func NewHandler(params HandlerParams) (*Handler, error) {
	if params.Socket == nil {
		return nil, errors.New("system handler requires a netlink socket")
	}
	return &Handler{sock: params.Socket}, nil
}

// GetAllLinks returns every interface joined with its addresses.
func (h *Handler) GetAllLinks() ([]LinkEntry, error) {
	links, status := h.sock.GetAllLinks().Await()
	if status != 0 {
		return nil, statusError("link dump", status)
	}
	addrs, status := h.sock.GetAllIfAddresses().Await()
	if status != 0 {
		return nil, statusError("address dump", status)
	}

	byIfIndex := make(map[int][]*net.IPNet)
	for i := range addrs {
		if addrs[i].Prefix == nil {
			continue
		}
		byIfIndex[addrs[i].IfIndex] =
			append(byIfIndex[addrs[i].IfIndex], addrs[i].Prefix)
	}

	entries := make([]LinkEntry, 0, len(links))
	for _, link := range links {
		entries = append(entries, LinkEntry{
			IfName:   link.LinkName,
			IfIndex:  link.IfIndex,
			IsUp:     link.IsUp(),
			Networks: byIfIndex[link.IfIndex],
		})
	}
	return entries, nil
}

// AddIfaceAddresses assigns the given prefixes to the interface. Prefixes
// already present are counted as applied.
func (h *Handler) AddIfaceAddresses(ifName string, prefixes []*net.IPNet) error {
	return h.changeIfaceAddresses(true, ifName, prefixes)
}

// RemoveIfaceAddresses removes the given prefixes from the interface.
// Prefixes already absent are counted as removed.
func (h *Handler) RemoveIfaceAddresses(ifName string, prefixes []*net.IPNet) error {
	return h.changeIfaceAddresses(false, ifName, prefixes)
}

func (h *Handler) changeIfaceAddresses(
	isAdd bool,
	ifName string,
	prefixes []*net.IPNet) error {

	ifIndex, err := h.getIfIndex(ifName)
	if err != nil {
		return err
	}

	op := "del_addr"
	if isAdd {
		op = "add_addr"
	}

	// issue the whole batch before awaiting any of it.
	futures := make([]*nl.StatusFuture, 0, len(prefixes))
	addrs := make([]nl.IfAddress, 0, len(prefixes))
	for _, prefix := range prefixes {
		addr, err := buildIfAddress(ifIndex, prefix, nil)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
		if isAdd {
			futures = append(futures, h.sock.AddIfAddress(addr))
		} else {
			futures = append(futures, h.sock.DeleteIfAddress(addr))
		}
	}

	// collect every sub-result; applied changes are not rolled back on a
	// partial failure.
	var firstErr error
	for i, future := range futures {
		status := future.Await()
		if isIdempotentStatus(isAdd, status) {
			handlerOpCounter.Must(stats.KV{"op": op, "result": "noop"}).Inc()
			dlog.V(1).Infof(
				"platform: %s %s on %s already satisfied", op, &addrs[i], ifName)
			continue
		}
		if status != 0 {
			handlerOpCounter.Must(stats.KV{"op": op, "result": "error"}).Inc()
			dlog.Errorf(
				"platform: %s %s on %s failed: %v",
				op, &addrs[i], ifName, syscall.Errno(-status))
			if firstErr == nil {
				firstErr = statusError(op, status)
			}
			continue
		}
		handlerOpCounter.Must(stats.KV{"op": op, "result": "ok"}).Inc()
	}
	return firstErr
}

// GetIfaceAddresses returns the interface prefixes matching the given family
// and scope. The scope filter is mandatory: managed scopes differ per
// consumer and an unscoped read would leak kernel-owned addresses into sync
// decisions.
func (h *Handler) GetIfaceAddresses(
	ifName string,
	family uint8,
	scope uint8) ([]*net.IPNet, error) {

	ifIndex, err := h.getIfIndex(ifName)
	if err != nil {
		return nil, err
	}

	addrs, status := h.sock.GetAllIfAddresses().Await()
	if status != 0 {
		return nil, statusError("address dump", status)
	}

	var prefixes []*net.IPNet
	for i := range addrs {
		if addrs[i].IfIndex != ifIndex || addrs[i].Prefix == nil {
			continue
		}
		if addrs[i].Family != family || addrs[i].Scope != scope {
			continue
		}
		prefixes = append(prefixes, addrs[i].Prefix)
	}
	return prefixes, nil
}

// SyncIfaceAddresses reconciles the interface's addresses within the given
// family and scope to exactly the desired set: it adds what is missing and
// deletes what is present but no longer desired. Addresses outside the
// family/scope filter are untouched.
func (h *Handler) SyncIfaceAddresses(
	ifName string,
	family uint8,
	scope uint8,
	desired []*net.IPNet) error {

	current, err := h.GetIfaceAddresses(ifName, family, scope)
	if err != nil {
		return err
	}

	currentSet := make(map[string]*net.IPNet, len(current))
	for _, prefix := range current {
		currentSet[prefix.String()] = prefix
	}
	desiredSet := make(map[string]*net.IPNet, len(desired))
	for _, prefix := range desired {
		desiredSet[prefix.String()] = prefix
	}

	var toAdd, toDelete []*net.IPNet
	for key, prefix := range desiredSet {
		if _, ok := currentSet[key]; !ok {
			toAdd = append(toAdd, prefix)
		}
	}
	for key, prefix := range currentSet {
		if _, ok := desiredSet[key]; !ok {
			toDelete = append(toDelete, prefix)
		}
	}

	dlog.Infof(
		"platform: syncing %s family %d scope %d: %d to add, %d to delete",
		ifName, family, scope, len(toAdd), len(toDelete))

	ifIndex, err := h.getIfIndex(ifName)
	if err != nil {
		return err
	}
	var firstErr error
	apply := func(isAdd bool, prefixes []*net.IPNet) {
		for _, prefix := range prefixes {
			addr, err := buildIfAddress(ifIndex, prefix, &scope)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			var status int
			if isAdd {
				status = h.sock.AddIfAddress(addr).Await()
			} else {
				status = h.sock.DeleteIfAddress(addr).Await()
			}
			if status != 0 && !isIdempotentStatus(isAdd, status) {
				dlog.Errorf(
					"platform: sync of %s on %s failed: %v",
					&addr, ifName, syscall.Errno(-status))
				if firstErr == nil {
					firstErr = statusError("sync_addr", status)
				}
			}
		}
	}
	apply(true, toAdd)
	apply(false, toDelete)

	result := "ok"
	if firstErr != nil {
		result = "error"
	}
	syncCounter.Must(stats.KV{"result": result}).Inc()
	return firstErr
}

func (h *Handler) getIfIndex(ifName string) (int, error) {
	links, status := h.sock.GetAllLinks().Await()
	if status != 0 {
		return 0, statusError("link dump", status)
	}
	for _, link := range links {
		if link.LinkName == ifName {
			return link.IfIndex, nil
		}
	}
	return 0, ErrLinkNotFound
}

func buildIfAddress(
	ifIndex int,
	prefix *net.IPNet,
	scope *uint8) (nl.IfAddress, error) {

	builder := nl.IfAddressBuilder{}
	builder.SetIfIndex(ifIndex).SetPrefix(prefix)
	if scope != nil {
		builder.SetScope(*scope)
	}
	return builder.Build()
}

// add-existing and delete-missing are success at this boundary.
func isIdempotentStatus(isAdd bool, status int) bool {
	if isAdd {
		return status == -int(syscall.EEXIST)
	}
	return status == -int(syscall.EADDRNOTAVAIL)
}

func statusError(op string, status int) error {
	return errors.Newf("%s failed: %v", op, syscall.Errno(-status))
}
